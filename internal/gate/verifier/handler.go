// internal/gate/verifier/handler.go
package verifier

import (
	"context"
	"fmt"
	"time"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
	"membergate/internal/models"
)

// Resolver provides per-group enforcement policy.
type Resolver interface {
	Resolve(ctx context.Context, groupID int64) (*models.EnforcementPolicy, error)
	GroupsRequiring(ctx context.Context, channelID int64) ([]int64, error)
}

// Cache is the shared membership cache consulted before the oracle.
type Cache interface {
	Get(ctx context.Context, userID, channelID int64) (models.MembershipState, bool)
	Put(ctx context.Context, userID, channelID int64, state models.MembershipState)
	Invalidate(ctx context.Context, userID, channelID int64)
	LastAction(ctx context.Context, groupID, userID int64) (models.RestrictAction, bool)
	SetLastAction(ctx context.Context, groupID, userID int64, action models.RestrictAction)
}

// Oracle is the authoritative membership directory.
type Oracle interface {
	CheckMembership(ctx context.Context, channelID, userID int64) (models.MembershipState, error)
	Restrict(ctx context.Context, groupID, userID int64) error
	Unrestrict(ctx context.Context, groupID, userID int64) error
}

// Recorder persists verification outcomes off the decision path.
type Recorder interface {
	Record(outcome models.VerificationOutcome)
}

// Handler runs the verification state machine for inbound events. Each
// pass re-derives the subject's status from the full policy instead of
// patching the previous state, so a missed event is corrected by the next
// one. Membership is checked per channel through the cache, unresolvable
// channels count against the subject, and the aggregate drives a single
// restrict or unrestrict call per pass.
type Handler struct {
	config   *Config
	resolver Resolver
	cache    Cache
	oracle   Oracle
	recorder Recorder
	logger   logger.Logger
}

func NewHandler(config *Config, res Resolver, cache Cache, ora Oracle, rec Recorder, log logger.Logger) *Handler {
	return &Handler{
		config:   config,
		resolver: res,
		cache:    cache,
		oracle:   ora,
		recorder: rec,
		logger:   log.WithFields(map[string]interface{}{"component": "verifier"}),
	}
}

// Handle routes one platform event to the matching verification behavior.
func (h *Handler) Handle(ctx context.Context, ev models.Event) error {
	switch ev.Type {
	case models.EventMemberJoined, models.EventMessageReceived:
		return h.verifyEvent(ctx, ev.GroupID, ev.UserID, false)
	case models.EventVerifyRequested:
		// An explicit re-check must see the oracle, not a stale entry.
		return h.verifyEvent(ctx, ev.GroupID, ev.UserID, true)
	case models.EventChannelMembershipLapsed:
		return h.handleLapse(ctx, ev)
	default:
		return errors.NewEventInvalidError(fmt.Sprintf("unsupported event type %q", ev.Type))
	}
}

func (h *Handler) verifyEvent(ctx context.Context, groupID, userID int64, invalidate bool) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	result, err := h.Verify(ctx, groupID, userID, invalidate)
	if err != nil {
		return err
	}
	return result.ActionErr
}

// handleLapse re-verifies the user in every group that requires the lapsed
// channel. The cached entry is dropped first so each pass re-derives from
// the oracle. One failing group does not stop the fan-out; the first error
// is reported after all groups ran.
func (h *Handler) handleLapse(ctx context.Context, ev models.Event) error {
	h.cache.Invalidate(ctx, ev.UserID, ev.ChannelID)

	groups, err := h.resolver.GroupsRequiring(ctx, ev.ChannelID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, groupID := range groups {
		if err := h.verifyEvent(ctx, groupID, ev.UserID, false); err != nil {
			h.logger.Warn("lapse re-verification failed", map[string]interface{}{
				"groupId":   groupID,
				"userId":    ev.UserID,
				"channelId": ev.ChannelID,
				"errorCode": string(errors.CodeOf(err)),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Verify runs one full verification pass for a (user, group) pair and
// applies the resulting restriction. A nil or non-enforceable policy is a
// no-op equivalent to verified. A policy store failure aborts the pass
// before any membership check or side effect; the event source is expected
// to redeliver.
func (h *Handler) Verify(ctx context.Context, groupID, userID int64, invalidate bool) (*Result, error) {
	start := time.Now()

	policy, err := h.resolver.Resolve(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !policy.Enforceable() {
		h.logger.Debug("no enforceable policy, skipping", map[string]interface{}{
			"groupId": groupID,
			"userId":  userID,
		})
		metrics.VerificationsTotal.WithLabelValues("skipped").Inc()
		return &Result{GroupID: groupID, UserID: userID, Status: models.StatusVerified, Skipped: true}, nil
	}

	if invalidate {
		for _, channelID := range policy.RequiredChannels {
			h.cache.Invalidate(ctx, userID, channelID)
		}
	}

	result := &Result{GroupID: groupID, UserID: userID}
	for _, channelID := range policy.RequiredChannels {
		result.Checks = append(result.Checks, h.checkChannel(ctx, userID, channelID))
	}

	result.Status = models.StatusRestricted
	if allSatisfied(result.Checks) {
		result.Status = models.StatusVerified
	}

	h.applyRestriction(ctx, result)
	h.recordChecks(result)

	metrics.VerificationsTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.VerificationDuration.WithLabelValues(string(result.Status)).Observe(time.Since(start).Seconds())

	h.logger.Info("verification pass complete", map[string]interface{}{
		"groupId":   groupID,
		"userId":    userID,
		"status":    string(result.Status),
		"channels":  len(result.Checks),
		"cacheHits": result.CacheHits(),
		"duration":  time.Since(start).String(),
	})
	return result, nil
}

// checkChannel resolves one required channel through the cache-aside path.
// Only definitive verdicts are written back; an oracle failure is carried
// on the check and must never be cached.
func (h *Handler) checkChannel(ctx context.Context, userID, channelID int64) ChannelCheck {
	start := time.Now()
	check := ChannelCheck{ChannelID: channelID}

	if state, ok := h.cache.Get(ctx, userID, channelID); ok {
		check.State = state
		check.CacheHit = true
		check.Latency = time.Since(start)
		metrics.ChannelChecksTotal.WithLabelValues("cache", string(state)).Inc()
		return check
	}

	state, err := h.oracle.CheckMembership(ctx, channelID, userID)
	check.Latency = time.Since(start)
	if err != nil {
		check.Err = err
		metrics.ChannelChecksTotal.WithLabelValues("oracle", "error").Inc()
		h.logger.Warn("membership check failed", map[string]interface{}{
			"userId":    userID,
			"channelId": channelID,
			"errorCode": string(errors.CodeOf(err)),
			"error":     err.Error(),
		})
		return check
	}

	check.State = state
	h.cache.Put(ctx, userID, channelID, state)
	metrics.ChannelChecksTotal.WithLabelValues("oracle", string(state)).Inc()
	return check
}

// applyRestriction converges the group-side restriction with the pass
// aggregate. The last-action marker only suppresses a call that would
// repeat the previous one; both calls are idempotent, so a lost marker
// costs an extra call, never a wrong state. On failure the marker is left
// untouched and the error is surfaced on the result so the event can be
// retried.
func (h *Handler) applyRestriction(ctx context.Context, result *Result) {
	desired := models.ActionRestrict
	if result.Status == models.StatusVerified {
		desired = models.ActionUnrestrict
	}

	if last, ok := h.cache.LastAction(ctx, result.GroupID, result.UserID); ok && last == desired {
		h.logger.Debug("restriction unchanged, skipping call", map[string]interface{}{
			"groupId": result.GroupID,
			"userId":  result.UserID,
			"action":  string(desired),
		})
		return
	}

	var err error
	if desired == models.ActionRestrict {
		err = h.oracle.Restrict(ctx, result.GroupID, result.UserID)
	} else {
		err = h.oracle.Unrestrict(ctx, result.GroupID, result.UserID)
	}
	if err != nil {
		result.ActionErr = err
		h.logger.Error("restriction call failed", map[string]interface{}{
			"groupId":   result.GroupID,
			"userId":    result.UserID,
			"action":    string(desired),
			"errorCode": string(errors.CodeOf(err)),
			"error":     err.Error(),
		})
		return
	}

	result.Action = desired
	h.cache.SetLastAction(ctx, result.GroupID, result.UserID, desired)
}

// recordChecks emits one outcome row per channel check. Recording happens
// after the side effect so the row reflects the pass that actually acted;
// a failed or dropped write never affects the decision.
func (h *Handler) recordChecks(result *Result) {
	for _, check := range result.Checks {
		outcome := models.VerificationOutcome{
			UserID:    result.UserID,
			GroupID:   result.GroupID,
			ChannelID: check.ChannelID,
			Status:    models.StatusVerified,
			LatencyMS: check.Latency.Milliseconds(),
			CacheHit:  check.CacheHit,
		}
		switch {
		case check.Err != nil:
			outcome.Status = models.StatusError
			outcome.ErrorKind = errors.OutcomeKind(check.Err)
		case check.State != models.MembershipMember:
			outcome.Status = models.StatusRestricted
		}
		h.recorder.Record(outcome)
	}
}

func allSatisfied(checks []ChannelCheck) bool {
	for _, check := range checks {
		if !check.Satisfied() {
			return false
		}
	}
	return true
}
