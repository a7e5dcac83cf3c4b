// internal/gate/verifier/models.go
package verifier

import (
	"time"

	"membergate/internal/models"
)

// ChannelCheck is the outcome of probing one required channel during a
// verification pass. Err is set when the oracle failed and no definitive
// state exists; such checks count against the subject.
type ChannelCheck struct {
	ChannelID int64
	State     models.MembershipState
	Err       error
	CacheHit  bool
	Latency   time.Duration
}

// Satisfied reports whether the check supports a verified aggregate.
func (c ChannelCheck) Satisfied() bool {
	return c.Err == nil && c.State == models.MembershipMember
}

// Result is the aggregate of one verification pass for a (user, group)
// pair. Skipped marks the verified-equivalent no-op taken when the group
// has no enforceable policy. Action is the restriction call applied this
// pass, empty when the call was suppressed or failed; ActionErr carries a
// failed side-effect call without invalidating the aggregate itself.
type Result struct {
	GroupID   int64
	UserID    int64
	Status    models.VerificationStatus
	Skipped   bool
	Checks    []ChannelCheck
	Action    models.RestrictAction
	ActionErr error
}

// CacheHits counts the checks answered without an oracle call.
func (r *Result) CacheHits() int {
	hits := 0
	for _, check := range r.Checks {
		if check.CacheHit {
			hits++
		}
	}
	return hits
}
