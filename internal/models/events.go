// internal/models/events.go
package models

import "time"

// EventType identifies a normalized platform event.
type EventType string

const (
	EventMemberJoined            EventType = "member_joined"
	EventMessageReceived         EventType = "message_received"
	EventVerifyRequested         EventType = "verify_requested"
	EventChannelMembershipLapsed EventType = "channel_membership_lapsed"
)

// Event is the normalized envelope delivered by the platform front end.
// GroupID is set for group-scoped events; ChannelID for lapse events.
type Event struct {
	Type       EventType `json:"type"`
	GroupID    int64     `json:"group_id,omitempty"`
	UserID     int64     `json:"user_id"`
	ChannelID  int64     `json:"channel_id,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}
