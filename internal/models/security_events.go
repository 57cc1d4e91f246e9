package models

import "time"

type EventType string

const (
	EventLoginSucceeded   EventType = "login_succeeded"
	EventLoginFailed      EventType = "login_failed"
	EventLoginBlocked     EventType = "login_blocked"
	EventAccountLocked    EventType = "account_locked"
	EventCodeIssued       EventType = "code_issued"
	EventCodeVerified     EventType = "code_verified"
	EventCodeRejected     EventType = "code_rejected"
	EventAccountCreated   EventType = "account_created"
	EventPasswordReset    EventType = "password_reset"
	EventDeliveryFallback EventType = "delivery_fallback"
)

type SecurityEvent struct {
	EventID     string            `json:"event_id" db:"event_id"`
	EventBucket int               `json:"event_bucket" db:"event_bucket"`
	AccountID   string            `json:"account_id,omitempty" db:"account_id"`
	EventDate   string            `json:"event_date" db:"event_date"`
	EventTime   time.Time         `json:"event_time" db:"event_time"`
	EventType   EventType         `json:"event_type" db:"event_type"`
	Channel     string            `json:"channel,omitempty" db:"channel"`
	IPAddress   string            `json:"ip_address,omitempty" db:"ip_address"`
	ClientSig   string            `json:"client_signature,omitempty" db:"client_signature"`
	RiskScore   int               `json:"risk_score" db:"risk_score"`
	RiskLevel   string            `json:"risk_level,omitempty" db:"risk_level"`
	Details     map[string]string `json:"details,omitempty" db:"details"`
}
