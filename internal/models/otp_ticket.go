package models

import "time"

// OTPChannel names the flow a ticket belongs to.
type OTPChannel string

const (
	ChannelPhone OTPChannel = "phone"
	ChannelReset OTPChannel = "reset"
)

// OTPTicket is an issued one-time code for a single channel key.
type OTPTicket struct {
	Key       string     `json:"key"`
	Channel   OTPChannel `json:"channel"`
	Code      string     `json:"code"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Verified  bool       `json:"verified"`
}

// Expired uses a strict comparison: a ticket is still valid at exactly ExpiresAt.
func (t *OTPTicket) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
