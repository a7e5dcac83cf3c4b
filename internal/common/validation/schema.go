package validation

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// eventSchema describes the normalized event envelope accepted at intake.
// Per-type field requirements are enforced separately in checkEventFields.
const eventSchema = `{
	"type": "object",
	"required": ["type", "user_id"],
	"additionalProperties": false,
	"properties": {
		"type": {
			"type": "string",
			"enum": ["member_joined", "message_received", "verify_requested", "channel_membership_lapsed"]
		},
		"group_id":    {"type": "integer"},
		"user_id":     {"type": "integer"},
		"channel_id":  {"type": "integer"},
		"received_at": {"type": "string"}
	}
}`

type eventEnvelope struct {
	Type      string `json:"type"`
	GroupID   int64  `json:"group_id"`
	UserID    int64  `json:"user_id"`
	ChannelID int64  `json:"channel_id"`
}

// ValidateEvent validates an inbound event payload. It returns the list of
// violation messages, empty when the payload is acceptable.
func ValidateEvent(payload []byte) []string {
	schemaLoader := gojsonschema.NewStringLoader(eventSchema)
	documentLoader := gojsonschema.NewBytesLoader(payload)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return []string{fmt.Sprintf("validation error: %v", err)}
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return errs
	}

	var ev eventEnvelope
	if err := json.Unmarshal(payload, &ev); err != nil {
		return []string{fmt.Sprintf("decode error: %v", err)}
	}

	return checkEventFields(ev)
}

// checkEventFields enforces the per-type ID requirements the schema cannot
// express: zero is not a valid identifier.
func checkEventFields(ev eventEnvelope) []string {
	var errs []string

	if ev.UserID <= 0 {
		errs = append(errs, "user_id: must be a positive integer")
	}

	switch ev.Type {
	case "member_joined", "message_received", "verify_requested":
		if ev.GroupID <= 0 {
			errs = append(errs, "group_id: must be a positive integer")
		}
	case "channel_membership_lapsed":
		if ev.ChannelID <= 0 {
			errs = append(errs, "channel_id: must be a positive integer")
		}
	}

	return errs
}
