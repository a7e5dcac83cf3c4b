// internal/models/outcome.go
package models

import "time"

// VerificationStatus classifies one recorded channel check.
type VerificationStatus string

const (
	StatusVerified   VerificationStatus = "verified"
	StatusRestricted VerificationStatus = "restricted"
	StatusError      VerificationStatus = "error"
)

// VerificationOutcome is one per-channel check result persisted for audit
// and analytics. ErrorKind is set only for error rows.
type VerificationOutcome struct {
	ID        string             `json:"id" db:"id"`
	UserID    int64              `json:"user_id" db:"user_id"`
	GroupID   int64              `json:"group_id" db:"group_id"`
	ChannelID int64              `json:"channel_id" db:"channel_id"`
	Status    VerificationStatus `json:"status" db:"status"`
	ErrorKind string             `json:"error_kind,omitempty" db:"error_kind"`
	LatencyMS int64              `json:"latency_ms" db:"latency_ms"`
	CacheHit  bool               `json:"cache_hit" db:"cache_hit"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
}
