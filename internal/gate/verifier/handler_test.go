// internal/gate/verifier/handler_test.go
package verifier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Fakes
// ==========================

type fakeResolver struct {
	policies  map[int64]*models.EnforcementPolicy
	requiring map[int64][]int64
	errOn     map[int64]error
}

func (f *fakeResolver) Resolve(ctx context.Context, groupID int64) (*models.EnforcementPolicy, error) {
	if err, ok := f.errOn[groupID]; ok {
		return nil, err
	}
	return f.policies[groupID], nil
}

func (f *fakeResolver) GroupsRequiring(ctx context.Context, channelID int64) ([]int64, error) {
	return f.requiring[channelID], nil
}

type fakeCache struct {
	entries     map[string]models.MembershipState
	markers     map[string]models.RestrictAction
	puts        []string
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string]models.MembershipState),
		markers: make(map[string]models.RestrictAction),
	}
}

func entryKey(userID, channelID int64) string {
	return fmt.Sprintf("%d:%d", userID, channelID)
}

func markerKey(groupID, userID int64) string {
	return fmt.Sprintf("%d:%d", groupID, userID)
}

func (f *fakeCache) Get(ctx context.Context, userID, channelID int64) (models.MembershipState, bool) {
	state, ok := f.entries[entryKey(userID, channelID)]
	return state, ok
}

func (f *fakeCache) Put(ctx context.Context, userID, channelID int64, state models.MembershipState) {
	key := entryKey(userID, channelID)
	f.entries[key] = state
	f.puts = append(f.puts, key)
}

func (f *fakeCache) Invalidate(ctx context.Context, userID, channelID int64) {
	key := entryKey(userID, channelID)
	delete(f.entries, key)
	f.invalidated = append(f.invalidated, key)
}

func (f *fakeCache) LastAction(ctx context.Context, groupID, userID int64) (models.RestrictAction, bool) {
	action, ok := f.markers[markerKey(groupID, userID)]
	return action, ok
}

func (f *fakeCache) SetLastAction(ctx context.Context, groupID, userID int64, action models.RestrictAction) {
	f.markers[markerKey(groupID, userID)] = action
}

type restrictCall struct {
	groupID int64
	userID  int64
}

type fakeOracle struct {
	states        map[string]models.MembershipState
	errs          map[string]error
	restrictErr   error
	unrestrictErr error
	checkDelay    time.Duration
	checks        []string
	restricts     []restrictCall
	unrestricts   []restrictCall
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		states: make(map[string]models.MembershipState),
		errs:   make(map[string]error),
	}
}

func (f *fakeOracle) setState(channelID, userID int64, state models.MembershipState) {
	f.states[entryKey(userID, channelID)] = state
}

func (f *fakeOracle) setErr(channelID, userID int64, err error) {
	f.errs[entryKey(userID, channelID)] = err
}

func (f *fakeOracle) CheckMembership(ctx context.Context, channelID, userID int64) (models.MembershipState, error) {
	key := entryKey(userID, channelID)
	f.checks = append(f.checks, key)
	if f.checkDelay > 0 {
		select {
		case <-time.After(f.checkDelay):
		case <-ctx.Done():
			return "", errors.NewOracleNetworkError(ctx.Err())
		}
	}
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	if state, ok := f.states[key]; ok {
		return state, nil
	}
	return models.MembershipNotMember, nil
}

func (f *fakeOracle) Restrict(ctx context.Context, groupID, userID int64) error {
	f.restricts = append(f.restricts, restrictCall{groupID: groupID, userID: userID})
	return f.restrictErr
}

func (f *fakeOracle) Unrestrict(ctx context.Context, groupID, userID int64) error {
	f.unrestricts = append(f.unrestricts, restrictCall{groupID: groupID, userID: userID})
	return f.unrestrictErr
}

type fakeRecorder struct {
	outcomes []models.VerificationOutcome
}

func (f *fakeRecorder) Record(outcome models.VerificationOutcome) {
	f.outcomes = append(f.outcomes, outcome)
}

// ==========================
// Test Helper Functions
// ==========================

type testEngine struct {
	handler  *Handler
	resolver *fakeResolver
	cache    *fakeCache
	oracle   *fakeOracle
	recorder *fakeRecorder
}

func createTestEngine(t *testing.T) *testEngine {
	engine := &testEngine{
		resolver: &fakeResolver{
			policies:  make(map[int64]*models.EnforcementPolicy),
			requiring: make(map[int64][]int64),
			errOn:     make(map[int64]error),
		},
		cache:    newFakeCache(),
		oracle:   newFakeOracle(),
		recorder: &fakeRecorder{},
	}
	engine.handler = NewHandler(
		LoadConfig(),
		engine.resolver,
		engine.cache,
		engine.oracle,
		engine.recorder,
		logger.NewTestLogger(t),
	)
	return engine
}

func enforcedPolicy(groupID int64, channels ...int64) *models.EnforcementPolicy {
	return &models.EnforcementPolicy{
		GroupID:          groupID,
		Enabled:          true,
		RequiredChannels: channels,
	}
}

// ==========================
// Aggregation Tests
// ==========================

func TestHandler_Verify_AllChannelsMemberVerifies(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100, 200)
	engine.oracle.setState(100, 7, models.MembershipMember)
	engine.oracle.setState(200, 7, models.MembershipMember)

	result, err := engine.handler.Verify(context.Background(), 10, 7, false)

	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, result.Status)
	assert.False(t, result.Skipped)
	assert.Len(t, result.Checks, 2)
	assert.Equal(t, models.ActionUnrestrict, result.Action)
	assert.Len(t, engine.oracle.unrestricts, 1)
	assert.Empty(t, engine.oracle.restricts)
	assert.Equal(t, models.ActionUnrestrict, engine.cache.markers[markerKey(10, 7)])
	assert.ElementsMatch(t, []string{entryKey(7, 100), entryKey(7, 200)}, engine.cache.puts)

	require.Len(t, engine.recorder.outcomes, 2)
	for _, outcome := range engine.recorder.outcomes {
		assert.Equal(t, models.StatusVerified, outcome.Status)
		assert.False(t, outcome.CacheHit)
		assert.Equal(t, int64(10), outcome.GroupID)
		assert.Equal(t, int64(7), outcome.UserID)
	}
}

func TestHandler_Verify_AnyMissingChannelRestricts(t *testing.T) {
	tests := []struct {
		name       string
		firstState models.MembershipState
		lastState  models.MembershipState
	}{
		{name: "first channel not joined", firstState: models.MembershipNotMember, lastState: models.MembershipMember},
		{name: "last channel not joined", firstState: models.MembershipMember, lastState: models.MembershipNotMember},
		{name: "no channel joined", firstState: models.MembershipNotMember, lastState: models.MembershipNotMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := createTestEngine(t)
			engine.resolver.policies[10] = enforcedPolicy(10, 100, 200)
			engine.oracle.setState(100, 7, tt.firstState)
			engine.oracle.setState(200, 7, tt.lastState)

			result, err := engine.handler.Verify(context.Background(), 10, 7, false)

			require.NoError(t, err)
			assert.Equal(t, models.StatusRestricted, result.Status)
			assert.Equal(t, models.ActionRestrict, result.Action)
			assert.Len(t, engine.oracle.restricts, 1)
			assert.Empty(t, engine.oracle.unrestricts)

			// Every channel is still probed and recorded; there is no
			// short circuit on the first failure.
			assert.Len(t, engine.oracle.checks, 2)
			require.Len(t, engine.recorder.outcomes, 2)
		})
	}
}

func TestHandler_Verify_OracleErrorFailsClosed(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100, 200)
	engine.oracle.setErr(100, 7, errors.NewOracleNetworkError(fmt.Errorf("connection reset")))
	engine.oracle.setState(200, 7, models.MembershipMember)

	result, err := engine.handler.Verify(context.Background(), 10, 7, false)

	require.NoError(t, err)
	assert.Equal(t, models.StatusRestricted, result.Status)
	assert.Len(t, engine.oracle.checks, 2)
	assert.Len(t, engine.oracle.restricts, 1)

	// The failed check is never written back; only the definitive verdict is.
	assert.Equal(t, []string{entryKey(7, 200)}, engine.cache.puts)
	_, cached := engine.cache.entries[entryKey(7, 100)]
	assert.False(t, cached)

	require.Len(t, engine.recorder.outcomes, 2)
	assert.Equal(t, models.StatusError, engine.recorder.outcomes[0].Status)
	assert.Equal(t, "network", engine.recorder.outcomes[0].ErrorKind)
	assert.Equal(t, models.StatusVerified, engine.recorder.outcomes[1].Status)
}

// ==========================
// Policy Gate Tests
// ==========================

func TestHandler_Verify_SkipsWithoutEnforceablePolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy *models.EnforcementPolicy
	}{
		{name: "unknown group", policy: nil},
		{name: "enforcement disabled", policy: &models.EnforcementPolicy{GroupID: 10, Enabled: false, RequiredChannels: []int64{100}}},
		{name: "no required channels", policy: &models.EnforcementPolicy{GroupID: 10, Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := createTestEngine(t)
			if tt.policy != nil {
				engine.resolver.policies[10] = tt.policy
			}

			result, err := engine.handler.Verify(context.Background(), 10, 7, false)

			require.NoError(t, err)
			assert.True(t, result.Skipped)
			assert.Equal(t, models.StatusVerified, result.Status)
			assert.Empty(t, engine.oracle.checks)
			assert.Empty(t, engine.oracle.restricts)
			assert.Empty(t, engine.oracle.unrestricts)
			assert.Empty(t, engine.recorder.outcomes)
			assert.Empty(t, engine.cache.markers)
		})
	}
}

func TestHandler_Verify_ConfigUnavailableAborts(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.errOn[10] = errors.NewConfigUnavailableError(fmt.Errorf("connection refused"))

	result, err := engine.handler.Verify(context.Background(), 10, 7, false)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, errors.ErrCodeConfigUnavailable, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))

	// Aborting before any membership check means no side effects at all.
	assert.Empty(t, engine.oracle.checks)
	assert.Empty(t, engine.oracle.restricts)
	assert.Empty(t, engine.oracle.unrestricts)
	assert.Empty(t, engine.recorder.outcomes)
}

// ==========================
// Cache Interaction Tests
// ==========================

func TestHandler_Verify_CacheHitSkipsOracle(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100, 200)
	engine.cache.entries[entryKey(7, 100)] = models.MembershipMember
	engine.cache.entries[entryKey(7, 200)] = models.MembershipMember

	result, err := engine.handler.Verify(context.Background(), 10, 7, false)

	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, result.Status)
	assert.Empty(t, engine.oracle.checks)
	assert.Equal(t, 2, result.CacheHits())

	// Cached verdicts still drive the side effect on every pass.
	assert.Len(t, engine.oracle.unrestricts, 1)

	require.Len(t, engine.recorder.outcomes, 2)
	for _, outcome := range engine.recorder.outcomes {
		assert.True(t, outcome.CacheHit)
	}
}

func TestHandler_Verify_InvalidateBypassesStaleEntry(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100)
	engine.cache.entries[entryKey(7, 100)] = models.MembershipNotMember
	engine.oracle.setState(100, 7, models.MembershipMember)

	result, err := engine.handler.Verify(context.Background(), 10, 7, true)

	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, result.Status)
	assert.Equal(t, []string{entryKey(7, 100)}, engine.cache.invalidated)
	assert.Len(t, engine.oracle.checks, 1)
	assert.Equal(t, models.MembershipMember, engine.cache.entries[entryKey(7, 100)])
}

// ==========================
// Restriction Side Effect Tests
// ==========================

func TestHandler_Verify_MarkerSuppressesRepeatAction(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100)
	engine.cache.markers[markerKey(10, 7)] = models.ActionRestrict
	engine.oracle.setState(100, 7, models.MembershipNotMember)

	result, err := engine.handler.Verify(context.Background(), 10, 7, false)

	require.NoError(t, err)
	assert.Equal(t, models.StatusRestricted, result.Status)
	assert.Empty(t, result.Action)
	assert.NoError(t, result.ActionErr)
	assert.Empty(t, engine.oracle.restricts)

	// Suppression only skips the call, never the recording.
	assert.Len(t, engine.recorder.outcomes, 1)
}

func TestHandler_Verify_TransitionOverridesMarker(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100)
	engine.cache.markers[markerKey(10, 7)] = models.ActionRestrict
	engine.oracle.setState(100, 7, models.MembershipMember)

	result, err := engine.handler.Verify(context.Background(), 10, 7, false)

	require.NoError(t, err)
	assert.Equal(t, models.ActionUnrestrict, result.Action)
	assert.Len(t, engine.oracle.unrestricts, 1)
	assert.Equal(t, models.ActionUnrestrict, engine.cache.markers[markerKey(10, 7)])
}

func TestHandler_Verify_ActionFailureSurfaced(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100)
	engine.oracle.setState(100, 7, models.MembershipNotMember)
	engine.oracle.restrictErr = errors.NewOracleNetworkError(fmt.Errorf("connection reset"))

	result, err := engine.handler.Verify(context.Background(), 10, 7, false)

	require.NoError(t, err)
	assert.Equal(t, models.StatusRestricted, result.Status)
	assert.Empty(t, result.Action)
	require.Error(t, result.ActionErr)
	assert.Equal(t, errors.ErrCodeOracleNetwork, errors.CodeOf(result.ActionErr))

	// A failed call must not record a last action; the next pass retries it.
	assert.Empty(t, engine.cache.markers)
	assert.Len(t, engine.recorder.outcomes, 1)
}

// ==========================
// Event Routing Tests
// ==========================

func TestHandler_Handle_RoutesEventTypes(t *testing.T) {
	tests := []struct {
		name            string
		eventType       models.EventType
		wantInvalidated int
	}{
		{name: "member joined verifies without invalidation", eventType: models.EventMemberJoined, wantInvalidated: 0},
		{name: "message received verifies without invalidation", eventType: models.EventMessageReceived, wantInvalidated: 0},
		{name: "verify requested invalidates first", eventType: models.EventVerifyRequested, wantInvalidated: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := createTestEngine(t)
			engine.resolver.policies[10] = enforcedPolicy(10, 100, 200)
			engine.oracle.setState(100, 7, models.MembershipMember)
			engine.oracle.setState(200, 7, models.MembershipMember)

			err := engine.handler.Handle(context.Background(), models.Event{
				Type:    tt.eventType,
				GroupID: 10,
				UserID:  7,
			})

			require.NoError(t, err)
			assert.Len(t, engine.cache.invalidated, tt.wantInvalidated)
			assert.Len(t, engine.oracle.checks, 2)
			assert.Len(t, engine.oracle.unrestricts, 1)
		})
	}
}

func TestHandler_Handle_RejectsUnknownEventType(t *testing.T) {
	engine := createTestEngine(t)

	err := engine.handler.Handle(context.Background(), models.Event{
		Type:    models.EventType("member_renamed"),
		GroupID: 10,
		UserID:  7,
	})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEventInvalid, errors.CodeOf(err))
	assert.Empty(t, engine.oracle.checks)
	assert.Empty(t, engine.recorder.outcomes)
}

func TestHandler_Handle_SurfacesActionError(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100)
	engine.oracle.setState(100, 7, models.MembershipNotMember)
	engine.oracle.restrictErr = errors.NewOracleRateLimitedError(3)

	err := engine.handler.Handle(context.Background(), models.Event{
		Type:    models.EventMemberJoined,
		GroupID: 10,
		UserID:  7,
	})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOracleRateLimited, errors.CodeOf(err))
}

func TestHandler_Handle_SlowOracleFailsClosed(t *testing.T) {
	engine := createTestEngine(t)
	engine.handler.config = &Config{Timeout: 30 * time.Millisecond}
	engine.resolver.policies[10] = enforcedPolicy(10, 100)
	engine.oracle.checkDelay = 2 * time.Second
	engine.oracle.setState(100, 7, models.MembershipMember)

	start := time.Now()
	err := engine.handler.Handle(context.Background(), models.Event{
		Type:    models.EventMemberJoined,
		GroupID: 10,
		UserID:  7,
	})

	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	// The timed-out check counts against the subject.
	assert.Len(t, engine.oracle.restricts, 1)
	require.Len(t, engine.recorder.outcomes, 1)
	assert.Equal(t, models.StatusError, engine.recorder.outcomes[0].Status)
}

// ==========================
// Lapse Fan-Out Tests
// ==========================

func TestHandler_Handle_LapseReverifiesAllGroups(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100)
	engine.resolver.policies[20] = enforcedPolicy(20, 100)
	engine.resolver.requiring[100] = []int64{10, 20}

	// The lapsed membership is still cached positive; the event must drop
	// it before re-deriving.
	engine.cache.entries[entryKey(7, 100)] = models.MembershipMember
	engine.oracle.setState(100, 7, models.MembershipNotMember)

	err := engine.handler.Handle(context.Background(), models.Event{
		Type:      models.EventChannelMembershipLapsed,
		UserID:    7,
		ChannelID: 100,
	})

	require.NoError(t, err)
	assert.Contains(t, engine.cache.invalidated, entryKey(7, 100))

	// The first group's pass refills the cache, so the oracle is asked once
	// while both groups converge to restricted.
	assert.Len(t, engine.oracle.checks, 1)
	require.Len(t, engine.oracle.restricts, 2)
	assert.ElementsMatch(t,
		[]restrictCall{{groupID: 10, userID: 7}, {groupID: 20, userID: 7}},
		engine.oracle.restricts)

	require.Len(t, engine.recorder.outcomes, 2)
	assert.False(t, engine.recorder.outcomes[0].CacheHit)
	assert.True(t, engine.recorder.outcomes[1].CacheHit)
}

func TestHandler_Handle_LapseContinuesPastFailingGroup(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.errOn[10] = errors.NewConfigUnavailableError(fmt.Errorf("connection refused"))
	engine.resolver.policies[20] = enforcedPolicy(20, 100)
	engine.resolver.requiring[100] = []int64{10, 20}
	engine.oracle.setState(100, 7, models.MembershipNotMember)

	err := engine.handler.Handle(context.Background(), models.Event{
		Type:      models.EventChannelMembershipLapsed,
		UserID:    7,
		ChannelID: 100,
	})

	// The healthy group is still converged and the first failure reported.
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigUnavailable, errors.CodeOf(err))
	assert.Equal(t, []restrictCall{{groupID: 20, userID: 7}}, engine.oracle.restricts)
}

// ==========================
// Tenant Isolation Tests
// ==========================

func TestHandler_Verify_CacheSharedAcrossGroups(t *testing.T) {
	engine := createTestEngine(t)
	engine.resolver.policies[10] = enforcedPolicy(10, 100)
	engine.resolver.policies[20] = enforcedPolicy(20, 100)
	engine.oracle.setState(100, 7, models.MembershipMember)

	_, err := engine.handler.Verify(context.Background(), 10, 7, false)
	require.NoError(t, err)
	_, err = engine.handler.Verify(context.Background(), 20, 7, false)
	require.NoError(t, err)

	// Membership is a (user, channel) fact: the second group reuses the
	// cached verdict but gets its own restriction call and marker.
	assert.Len(t, engine.oracle.checks, 1)
	assert.ElementsMatch(t,
		[]restrictCall{{groupID: 10, userID: 7}, {groupID: 20, userID: 7}},
		engine.oracle.unrestricts)
	assert.Equal(t, models.ActionUnrestrict, engine.cache.markers[markerKey(10, 7)])
	assert.Equal(t, models.ActionUnrestrict, engine.cache.markers[markerKey(20, 7)])

	groups := make(map[int64]int)
	for _, outcome := range engine.recorder.outcomes {
		groups[outcome.GroupID]++
	}
	assert.Equal(t, map[int64]int{10: 1, 20: 1}, groups)
}
