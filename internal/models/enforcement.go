// internal/models/enforcement.go
package models

import (
	"encoding/json"
	"time"
)

// EnforcementConfig is one row of the per-group enforcement table.
type EnforcementConfig struct {
	GroupID   int64           `json:"group_id" db:"group_id"`
	Enabled   bool            `json:"enabled" db:"enabled"`
	Params    json.RawMessage `json:"params,omitempty" db:"params"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// RequiredChannelLink ties a managed group to an external channel whose
// membership gates participation.
type RequiredChannelLink struct {
	GroupID    int64 `json:"group_id" db:"group_id"`
	ChannelID  int64 `json:"channel_id" db:"channel_id"`
	IsRequired bool  `json:"is_required" db:"is_required"`
}

// EnforcementPolicy is the resolved view consumed by the verifier: the
// config row joined with its required channel set. Params is carried
// opaque; the engine never interprets it.
type EnforcementPolicy struct {
	GroupID          int64
	Enabled          bool
	Params           json.RawMessage
	RequiredChannels []int64
	UpdatedAt        time.Time
}

// Enforceable reports whether verification applies at all for the group.
func (p *EnforcementPolicy) Enforceable() bool {
	return p != nil && p.Enabled && len(p.RequiredChannels) > 0
}
