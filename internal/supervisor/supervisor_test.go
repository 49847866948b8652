package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkvstore/datadistributor/internal/audit"
	"github.com/tkvstore/datadistributor/internal/ddconfig"
	"github.com/tkvstore/datadistributor/internal/ddenabled"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/dderr"
	"github.com/tkvstore/datadistributor/internal/distribution"
	"github.com/tkvstore/datadistributor/internal/durable"
	"github.com/tkvstore/datadistributor/internal/lock"
)

// fakeGateway is a minimal durable.Gateway double driving one generation:
// a single shard, DD enabled, and counters on the cleanup calls.
type fakeGateway struct {
	mu                    sync.Mutex
	removeKeysCalls       []ddtypes.ServerId
	removeServerCalls     []ddtypes.ServerId
	ddEnabled             bool
}

func (f *fakeGateway) TakeLock(_ context.Context, owner string) (lock.MoveKeysLock, error) {
	return lock.MoveKeysLock{MyOwner: owner}, nil
}
func (f *fakeGateway) PollLock(context.Context, lock.MoveKeysLock) error  { return nil }
func (f *fakeGateway) LoadConfiguration(context.Context) (durable.ClusterConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return durable.ClusterConfig{StorageTeamSize: 1, UsableRegions: 1, DDEnabled: f.ddEnabled}, nil
}
func (f *fakeGateway) LoadInitialDistribution(context.Context, lock.MoveKeysLock) (distribution.Initial, error) {
	return distribution.Initial{
		Shards: []ddtypes.ShardInfo{
			{KeyBegin: ddtypes.Key("a"), SrcPrimaryTeam: ddtypes.Team{"s1", "s2"}},
			{KeyBegin: ddtypes.Key("z")},
		},
	}, nil
}
func (f *fakeGateway) RemoveKeysFromFailedServer(_ context.Context, server ddtypes.ServerId, _ ddtypes.Team, _ lock.MoveKeysLock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeKeysCalls = append(f.removeKeysCalls, server)
	return nil
}
func (f *fakeGateway) RemoveStorageServer(_ context.Context, server ddtypes.ServerId, _ *ddtypes.ServerId, _ lock.MoveKeysLock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeServerCalls = append(f.removeServerCalls, server)
	return nil
}
func (f *fakeGateway) PersistAuditState(context.Context, ddtypes.AuditState, ddtypes.ServerId, lock.MoveKeysLock) error {
	return nil
}
func (f *fakeGateway) PersistNewAuditState(context.Context, ddtypes.AuditState, ddtypes.ServerId, lock.MoveKeysLock) (string, error) {
	return "audit-1", nil
}
func (f *fakeGateway) GetAuditStateByRange(context.Context, ddtypes.AuditType, ddtypes.KeyRange) ([]ddtypes.AuditState, error) {
	return nil, nil
}
func (f *fakeGateway) GetAuditStateByServer(context.Context, ddtypes.AuditType, ddtypes.ServerId, ddtypes.KeyRange) ([]ddtypes.AuditState, error) {
	return nil, nil
}
func (f *fakeGateway) ClearDataMove(context.Context, []string, lock.MoveKeysLock) error { return nil }
func (f *fakeGateway) WriteRecoveryFlag(context.Context) error                        { return nil }
func (f *fakeGateway) ClearRecoveryFlag(context.Context) error                        { return nil }

// fakeSSI is an audit.StorageServerInterfaces double with no servers, so
// every audit dispatched during these tests completes immediately.
type fakeSSI struct{}

func (fakeSSI) AllServers(context.Context) ([]ddtypes.ServerInfo, error) { return nil, nil }
func (fakeSSI) SourceServersForRange(_ context.Context, rng ddtypes.KeyRange) ([]audit.SubRangeServers, error) {
	return []audit.SubRangeServers{{Range: rng}}, nil
}
func (fakeSSI) AuditStorageServer(context.Context, ddtypes.ServerId, ddtypes.KeyRange, ddtypes.AuditType) error {
	return nil
}

func newTestSupervisor(gw *fakeGateway) *Supervisor {
	return New(gw, ddenabled.New(true), fakeSSI{}, nil, nil, nil, ddconfig.New(), nil, nil)
}

func TestRunHaltsCleanly(t *testing.T) {
	gw := &fakeGateway{ddEnabled: true}
	s := newTestSupervisor(gw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, "owner-1") }()

	require.Eventually(t, func() bool {
		_, err := s.Handle(ctx, HaltRequest{})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Halt")
	}
}

func TestExclusionSafetyCheckUnsafeWithoutChecker(t *testing.T) {
	gw := &fakeGateway{ddEnabled: true}
	s := newTestSupervisor(gw)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go s.Run(ctx, "owner-1")

	var resp any
	var err error
	require.Eventually(t, func() bool {
		resp, err = s.Handle(ctx, ExclusionSafetyCheckRequest{Exclusions: []string{"1.2.3.4"}})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, resp.(ExclusionSafetyCheckResponse).Safe)
}

func TestMetricsNotImplementedWithoutShardSizeSource(t *testing.T) {
	gw := &fakeGateway{ddEnabled: true}
	s := newTestSupervisor(gw)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go s.Run(ctx, "owner-1")

	require.Eventually(t, func() bool {
		_, err := s.Handle(ctx, MetricsRequest{})
		return err != nil && dderr.Is(err, dderr.CodeNotImplemented)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerAuditDelegatesToAuditManager(t *testing.T) {
	gw := &fakeGateway{ddEnabled: true}
	s := newTestSupervisor(gw)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go s.Run(ctx, "owner-1")

	var resp any
	var err error
	require.Eventually(t, func() bool {
		resp, err = s.Handle(ctx, TriggerAuditRequest{Type: ddtypes.AuditHA, Range: ddtypes.KeyRange{Begin: ddtypes.Key("a"), End: ddtypes.Key("z")}})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "audit-1", resp.(TriggerAuditResponse).ID)
}

func TestReportRemoveFailedServerCompletedTriggersCleanupAndRebootstrap(t *testing.T) {
	gw := &fakeGateway{ddEnabled: true}
	s := newTestSupervisor(gw)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, "owner-1") }()

	// Wait for the first generation's request router to come up before
	// reporting, so the report is observed by a live generation.
	require.Eventually(t, func() bool {
		_, err := s.Handle(ctx, WigglerStateRequest{})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.ReportRemoveFailedServerCompleted(ctx, "dead-server"))

	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.removeKeysCalls) == 1 && len(gw.removeServerCalls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	gw.mu.Lock()
	assert.Equal(t, ddtypes.ServerId("dead-server"), gw.removeKeysCalls[0])
	gw.mu.Unlock()

	_, _ = s.Handle(ctx, HaltRequest{})
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Halt")
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, actionPropagate, classify(context.Canceled, true))
	assert.Equal(t, actionPropagate, classify(dderr.New(dderr.CodeMoveKeysConflict), true))
	assert.Equal(t, actionRebootstrap, classify(dderr.New(dderr.CodeMoveKeysConflict), false))
	assert.Equal(t, actionRebootstrap, classify(dderr.New(dderr.CodeDDConfigChanged), false))
	assert.Equal(t, actionPropagate, classify(dderr.New(dderr.CodeNotImplemented), true))
}
