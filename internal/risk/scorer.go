// Package risk produces an advisory sign-in risk signal. It never blocks.
package risk

import "account-security/internal/models"

type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

const (
	ReasonNoHistory     = "no history"
	ReasonRecentFailure = "recent failed attempts"
	ReasonNewNetwork    = "new network"
	ReasonNewDevice     = "different device/browser profile"

	baseScore      = 5
	noHistoryScore = 10
	failureWeight  = 25
	networkWeight  = 20
	deviceWeight   = 15
	failureFloor   = 3
	maxScore       = 100
)

type Assessment struct {
	Score   int      `json:"score"`
	Level   Level    `json:"level"`
	Reasons []string `json:"reasons"`
}

// Score rates a sign-in attempt. A nil state means the account has no
// recorded history.
func Score(state *models.SecurityState, requestIP, requestClientSignature string) Assessment {
	if state == nil {
		return Assessment{Score: noHistoryScore, Level: LevelLow, Reasons: []string{ReasonNoHistory}}
	}

	score := baseScore
	reasons := []string{}

	if state.FailedAttemptCount >= failureFloor {
		score += failureWeight
		reasons = append(reasons, ReasonRecentFailure)
	}
	if state.LastLoginIP != "" && requestIP != "" && state.LastLoginIP != requestIP {
		score += networkWeight
		reasons = append(reasons, ReasonNewNetwork)
	}
	if state.LastLoginClientSignature != "" && requestClientSignature != "" &&
		state.LastLoginClientSignature != requestClientSignature {
		score += deviceWeight
		reasons = append(reasons, ReasonNewDevice)
	}

	score = min(score, maxScore)
	return Assessment{Score: score, Level: LevelFor(score), Reasons: reasons}
}

func LevelFor(score int) Level {
	switch {
	case score >= 60:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	default:
		return LevelLow
	}
}

// High reports whether the caller should surface an advisory notice.
func (a Assessment) High() bool {
	return a.Level == LevelHigh
}
