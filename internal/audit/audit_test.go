package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkvstore/datadistributor/internal/ddconfig"
	"github.com/tkvstore/datadistributor/internal/ddtaskgroup"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/dderr"
	"github.com/tkvstore/datadistributor/internal/distribution"
	"github.com/tkvstore/datadistributor/internal/durable"
	"github.com/tkvstore/datadistributor/internal/lock"
)

// fakeAuditGateway is an in-memory durable.Gateway double that actually
// persists audit records, so the launch-dedup and progress-walker tests
// observe real store behavior.
type fakeAuditGateway struct {
	mu      sync.Mutex
	states  map[string]ddtypes.AuditState
	nextID  int
}

func newFakeAuditGateway() *fakeAuditGateway {
	return &fakeAuditGateway{states: make(map[string]ddtypes.AuditState)}
}

func (f *fakeAuditGateway) TakeLock(_ context.Context, owner string) (lock.MoveKeysLock, error) {
	return lock.MoveKeysLock{MyOwner: owner}, nil
}
func (f *fakeAuditGateway) PollLock(context.Context, lock.MoveKeysLock) error  { return nil }
func (f *fakeAuditGateway) LoadConfiguration(context.Context) (durable.ClusterConfig, error) {
	return durable.ClusterConfig{}, nil
}
func (f *fakeAuditGateway) LoadInitialDistribution(context.Context, lock.MoveKeysLock) (distribution.Initial, error) {
	return distribution.Initial{}, nil
}
func (f *fakeAuditGateway) RemoveKeysFromFailedServer(context.Context, ddtypes.ServerId, ddtypes.Team, lock.MoveKeysLock) error {
	return nil
}
func (f *fakeAuditGateway) RemoveStorageServer(context.Context, ddtypes.ServerId, *ddtypes.ServerId, lock.MoveKeysLock) error {
	return nil
}
func (f *fakeAuditGateway) PersistAuditState(_ context.Context, state ddtypes.AuditState, _ ddtypes.ServerId, _ lock.MoveKeysLock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.ID] = state
	return nil
}
func (f *fakeAuditGateway) PersistNewAuditState(_ context.Context, state ddtypes.AuditState, _ ddtypes.ServerId, _ lock.MoveKeysLock) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "audit-" + string(rune('0'+f.nextID))
	state.ID = id
	f.states[id] = state
	return id, nil
}
func (f *fakeAuditGateway) GetAuditStateByRange(_ context.Context, typ ddtypes.AuditType, r ddtypes.KeyRange) ([]ddtypes.AuditState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ddtypes.AuditState
	for _, s := range f.states {
		if s.Type == typ && s.Range.Overlaps(r) {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeAuditGateway) GetAuditStateByServer(ctx context.Context, typ ddtypes.AuditType, _ ddtypes.ServerId, r ddtypes.KeyRange) ([]ddtypes.AuditState, error) {
	return f.GetAuditStateByRange(ctx, typ, r)
}
func (f *fakeAuditGateway) ClearDataMove(context.Context, []string, lock.MoveKeysLock) error { return nil }
func (f *fakeAuditGateway) WriteRecoveryFlag(context.Context) error                        { return nil }
func (f *fakeAuditGateway) ClearRecoveryFlag(context.Context) error                        { return nil }

func (f *fakeAuditGateway) get(id string) (ddtypes.AuditState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok
}

// fakeSSI is a StorageServerInterfaces double whose AuditStorageServer
// outcome is fixed per test.
type fakeSSI struct {
	servers   []ddtypes.ServerInfo
	primaryDC string
	dcs       map[string][]ddtypes.ServerId
	auditErr  error

	mu         sync.Mutex
	auditedIDs []ddtypes.ServerId
}

func (f *fakeSSI) AllServers(context.Context) ([]ddtypes.ServerInfo, error) { return f.servers, nil }
func (f *fakeSSI) SourceServersForRange(_ context.Context, rng ddtypes.KeyRange) ([]SubRangeServers, error) {
	return []SubRangeServers{{Range: rng, PrimaryDC: f.primaryDC, DCs: f.dcs}}, nil
}
func (f *fakeSSI) AuditStorageServer(_ context.Context, server ddtypes.ServerId, _ ddtypes.KeyRange, _ ddtypes.AuditType) error {
	f.mu.Lock()
	f.auditedIDs = append(f.auditedIDs, server)
	f.mu.Unlock()
	return f.auditErr
}

func (f *fakeSSI) audited() []ddtypes.ServerId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ddtypes.ServerId(nil), f.auditedIDs...)
}

func rng(begin, end string) ddtypes.KeyRange {
	return ddtypes.KeyRange{Begin: ddtypes.Key(begin), End: ddtypes.Key(end)}
}

// TestAuditDedupScenario reproduces the literal scenario: given a Running
// audit of type HA covering [a,z), a new TriggerAudit(HA, [c,d)) returns
// the existing id. The existing audit is seeded directly into the map
// (rather than going through Launch) so the assertion isn't racing the
// background audit_core goroutine to completion.
func TestAuditDedupScenario(t *testing.T) {
	gw := newFakeAuditGateway()
	m := New(gw, &fakeSSI{}, ddconfig.New(), lock.MoveKeysLock{}, nil, nil, rng("a", "z"))

	key := auditKey{Type: ddtypes.AuditHA, ID: "audit-existing"}
	m.audits[key] = &DDAudit{core: ddtypes.AuditState{ID: "audit-existing", Type: ddtypes.AuditHA, Range: rng("a", "z"), Phase: ddtypes.AuditRunning}}

	id, err := m.Launch(context.Background(), rng("c", "d"), ddtypes.AuditHA)
	require.NoError(t, err)
	assert.Equal(t, "audit-existing", id)
}

func TestAuditLaunchExceedsRequestLimitWhenRangeNotContained(t *testing.T) {
	gw := newFakeAuditGateway()
	m := New(gw, &fakeSSI{}, ddconfig.New(), lock.MoveKeysLock{}, nil, nil, rng("a", "z"))

	key := auditKey{Type: ddtypes.AuditHA, ID: "audit-existing"}
	m.audits[key] = &DDAudit{core: ddtypes.AuditState{ID: "audit-existing", Type: ddtypes.AuditHA, Range: rng("c", "d"), Phase: ddtypes.AuditRunning}}

	_, err := m.Launch(context.Background(), rng("x", "zz"), ddtypes.AuditHA)
	require.Error(t, err)
	assert.True(t, dderr.Is(err, dderr.CodeExceededRequestLimit))
}

// TestAuditRetryExhaustionScenario reproduces the literal scenario: every
// do_audit_on_storage_server call raises a non-cancel, non-error-finding
// exception; after AUDIT_RETRY_COUNT_MAX generations the audit's durable
// phase transitions to Failed and its runtime entry is removed.
func TestAuditRetryExhaustionScenario(t *testing.T) {
	gw := newFakeAuditGateway()
	ssi := &fakeSSI{
		servers:   []ddtypes.ServerInfo{{ID: "s1"}},
		primaryDC: "dc1",
		dcs:       map[string][]ddtypes.ServerId{"dc1": {"s1"}, "dc2": {"s2"}},
		auditErr:  errors.New("transient RPC failure"),
	}
	cfg := ddconfig.New()
	cfg.AuditRetryCountMax = 3
	cfg.AuditRetryBackoff = time.Millisecond

	m := New(gw, ssi, cfg, lock.MoveKeysLock{}, nil, nil, rng("a", "z"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := m.Launch(ctx, rng("a", "z"), ddtypes.AuditHA)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := gw.get(id)
		return ok && state.Phase == ddtypes.AuditFailed
	}, 2*time.Second, 10*time.Millisecond)

	m.mu.Lock()
	_, stillLive := m.audits[auditKey{Type: ddtypes.AuditHA, ID: id}]
	m.mu.Unlock()
	assert.False(t, stillLive)
}

func TestAuditFoundErrorSetsErrorPhase(t *testing.T) {
	gw := newFakeAuditGateway()
	ssi := &fakeSSI{
		servers:   []ddtypes.ServerInfo{{ID: "s1"}},
		primaryDC: "dc1",
		dcs:       map[string][]ddtypes.ServerId{"dc1": {"s1"}, "dc2": {"s2"}},
		auditErr:  ErrAuditStorageMismatch,
	}
	m := New(gw, ssi, ddconfig.New(), lock.MoveKeysLock{}, nil, nil, rng("a", "z"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := m.Launch(ctx, rng("a", "z"), ddtypes.AuditHA)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := gw.get(id)
		return ok && state.Phase == ddtypes.AuditError
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuditSuccessSetsCompletePhase(t *testing.T) {
	gw := newFakeAuditGateway()
	ssi := &fakeSSI{
		servers:   []ddtypes.ServerInfo{{ID: "s1"}},
		primaryDC: "dc1",
		dcs:       map[string][]ddtypes.ServerId{"dc1": {"s1"}, "dc2": {"s2"}},
	}
	m := New(gw, ssi, ddconfig.New(), lock.MoveKeysLock{}, nil, nil, rng("a", "z"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := m.Launch(ctx, rng("a", "z"), ddtypes.AuditHA)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := gw.get(id)
		return ok && state.Phase == ddtypes.AuditComplete
	}, 2*time.Second, 10*time.Millisecond)
}

// TestAuditServerShardSkipsTSS reproduces §4.6.4: a ServerShard audit
// dispatches make_progress_on_server for every real storage server but
// never for a server marked IsTSS.
func TestAuditServerShardSkipsTSS(t *testing.T) {
	gw := newFakeAuditGateway()
	ssi := &fakeSSI{
		servers: []ddtypes.ServerInfo{
			{ID: "s1"},
			{ID: "tss1", IsTSS: true},
			{ID: "s2"},
		},
	}
	m := New(gw, ssi, ddconfig.New(), lock.MoveKeysLock{}, nil, nil, rng("a", "z"))

	aud := &DDAudit{core: ddtypes.AuditState{ID: "audit-ss", Type: ddtypes.AuditServerShard, Range: rng("a", "z"), Phase: ddtypes.AuditRunning}}
	group := ddtaskgroup.New(context.Background())
	require.NoError(t, m.auditInputRangeOnAllStorageServers(group, aud))
	group.Wait()

	audited := ssi.audited()
	assert.Contains(t, audited, ddtypes.ServerId("s1"))
	assert.Contains(t, audited, ddtypes.ServerId("s2"))
	assert.NotContains(t, audited, ddtypes.ServerId("tss1"))
}
