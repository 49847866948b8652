package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkvstore/datadistributor/internal/ddconfig"
	"github.com/tkvstore/datadistributor/internal/ddenabled"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/dderr"
	"github.com/tkvstore/datadistributor/internal/distribution"
	"github.com/tkvstore/datadistributor/internal/durable"
	"github.com/tkvstore/datadistributor/internal/lock"
)

// fakeGateway is a no-op durable.Gateway double; only WriteRecoveryFlag
// and ClearRecoveryFlag are exercised by the orchestrator.
type fakeGateway struct {
	mu       sync.Mutex
	writes   int
	clears   int
}

func (f *fakeGateway) TakeLock(_ context.Context, owner string) (lock.MoveKeysLock, error) {
	return lock.MoveKeysLock{MyOwner: owner}, nil
}
func (f *fakeGateway) PollLock(context.Context, lock.MoveKeysLock) error  { return nil }
func (f *fakeGateway) LoadConfiguration(context.Context) (durable.ClusterConfig, error) {
	return durable.ClusterConfig{}, nil
}
func (f *fakeGateway) LoadInitialDistribution(context.Context, lock.MoveKeysLock) (distribution.Initial, error) {
	return distribution.Initial{}, nil
}
func (f *fakeGateway) RemoveKeysFromFailedServer(context.Context, ddtypes.ServerId, ddtypes.Team, lock.MoveKeysLock) error {
	return nil
}
func (f *fakeGateway) RemoveStorageServer(context.Context, ddtypes.ServerId, *ddtypes.ServerId, lock.MoveKeysLock) error {
	return nil
}
func (f *fakeGateway) PersistAuditState(context.Context, ddtypes.AuditState, ddtypes.ServerId, lock.MoveKeysLock) error {
	return nil
}
func (f *fakeGateway) PersistNewAuditState(context.Context, ddtypes.AuditState, ddtypes.ServerId, lock.MoveKeysLock) (string, error) {
	return "", nil
}
func (f *fakeGateway) GetAuditStateByRange(context.Context, ddtypes.AuditType, ddtypes.KeyRange) ([]ddtypes.AuditState, error) {
	return nil, nil
}
func (f *fakeGateway) GetAuditStateByServer(context.Context, ddtypes.AuditType, ddtypes.ServerId, ddtypes.KeyRange) ([]ddtypes.AuditState, error) {
	return nil, nil
}
func (f *fakeGateway) ClearDataMove(context.Context, []string, lock.MoveKeysLock) error { return nil }
func (f *fakeGateway) WriteRecoveryFlag(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return nil
}
func (f *fakeGateway) ClearRecoveryFlag(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

// fakeWorker is a Worker double whose Snapshot call can block until
// released, fail a fixed number of times, or simply succeed.
type fakeWorker struct {
	id      ddtypes.ServerId
	mu      sync.Mutex
	calls   int
	failN   int
	release chan struct{}
}

func (w *fakeWorker) ID() ddtypes.ServerId { return w.id }

func (w *fakeWorker) Snapshot(ctx context.Context, uid string, payload []byte) error {
	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failN {
		return errWorkerFailure
	}
	return nil
}

var errWorkerFailure = dderr.New(dderr.CodeTimedOut)

// fakeTLog is a TLogWorker double.
type fakeTLog struct {
	fakeWorker
}

func (w *fakeTLog) DisablePop(context.Context) error { return nil }
func (w *fakeTLog) EnablePop(context.Context) error   { return nil }

func basicWorkers(storage, tlogs, coords int) StatefulWorkers {
	sw := StatefulWorkers{}
	for i := 0; i < storage; i++ {
		sw.Storage = append(sw.Storage, &fakeWorker{id: ddtypes.ServerId("storage")})
	}
	for i := 0; i < tlogs; i++ {
		sw.TLogs = append(sw.TLogs, &fakeTLog{fakeWorker{id: ddtypes.ServerId("tlog")}})
	}
	for i := 0; i < coords; i++ {
		sw.Coordinators = append(sw.Coordinators, &fakeWorker{id: ddtypes.ServerId("coord")})
	}
	return sw
}

// TestSnapshotZeroFaultToleranceSucceeds reproduces the boundary: with
// zero storage failures, orchestration succeeds even when
// max_snapshot_fault_tolerance is 0.
func TestSnapshotZeroFaultToleranceSucceeds(t *testing.T) {
	gw := &fakeGateway{}
	o := New(gw, ddenabled.New(true), ddconfig.New(), nil, nil)
	defer o.Close()

	workers := basicWorkers(3, 1, 3)
	result, err := o.Run(context.Background(), SnapReq{UID: "u1", Payload: []byte("p")}, workers, 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, result.StorageSnapshotted)
	assert.Equal(t, 1, result.TLogsSnapshotted)
	assert.Equal(t, 3, result.CoordinatorsSnapshotted)
	assert.Equal(t, 1, gw.writes)
	assert.Equal(t, 1, gw.clears)
}

// TestSnapshotDedupCoalescesMatchingPayload reproduces literal scenario 6:
// a second DistributorSnap with the same uid and payload while the first
// is still in flight is coalesced onto the first's eventual result.
func TestSnapshotDedupCoalescesMatchingPayload(t *testing.T) {
	gw := &fakeGateway{}
	o := New(gw, ddenabled.New(true), ddconfig.New(), nil, nil)
	defer o.Close()

	release := make(chan struct{})
	storageWorker := &fakeWorker{id: "s1", release: release}
	workers := StatefulWorkers{Storage: []Worker{storageWorker}}

	var firstResult, secondResult SnapResult
	var firstErr, secondErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		firstResult, firstErr = o.Run(context.Background(), SnapReq{UID: "u2", Payload: []byte("p")}, workers, 1, 0, 0)
	}()

	time.Sleep(20 * time.Millisecond) // let the first request register in-flight
	go func() {
		defer wg.Done()
		secondResult, secondErr = o.Run(context.Background(), SnapReq{UID: "u2", Payload: []byte("p")}, workers, 1, 0, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	assert.Equal(t, firstResult, secondResult)
	storageWorker.mu.Lock()
	assert.Equal(t, 1, storageWorker.calls)
	storageWorker.mu.Unlock()
}

// TestSnapshotDedupRejectsDifferingPayload reproduces the other half of
// literal scenario 6: a second request for the same in-flight uid with a
// different payload is dropped immediately.
func TestSnapshotDedupRejectsDifferingPayload(t *testing.T) {
	gw := &fakeGateway{}
	o := New(gw, ddenabled.New(true), ddconfig.New(), nil, nil)
	defer o.Close()

	release := make(chan struct{})
	workers := StatefulWorkers{Storage: []Worker{&fakeWorker{id: "s1", release: release}}}

	go func() {
		_, _ = o.Run(context.Background(), SnapReq{UID: "u3", Payload: []byte("p")}, workers, 1, 0, 0)
	}()
	defer close(release)

	time.Sleep(20 * time.Millisecond)
	_, err := o.Run(context.Background(), SnapReq{UID: "u3", Payload: []byte("different")}, workers, 1, 0, 0)
	require.Error(t, err)
	assert.True(t, dderr.Is(err, dderr.CodeDuplicateSnapshotRequest))
}

// TestSnapshotReplaysRecentResult checks that a completed uid's result is
// replayed without re-running the orchestration, until it expires.
func TestSnapshotReplaysRecentResult(t *testing.T) {
	gw := &fakeGateway{}
	cfg := ddconfig.New()
	cfg.SnapMinimumTimeGap = time.Hour
	o := New(gw, ddenabled.New(true), cfg, nil, nil)
	defer o.Close()

	storageWorker := &fakeWorker{id: "s1"}
	workers := StatefulWorkers{Storage: []Worker{storageWorker}}

	_, err := o.Run(context.Background(), SnapReq{UID: "u4", Payload: []byte("p")}, workers, 1, 0, 0)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), SnapReq{UID: "u4", Payload: []byte("p")}, workers, 1, 0, 0)
	require.NoError(t, err)

	storageWorker.mu.Lock()
	assert.Equal(t, 1, storageWorker.calls)
	storageWorker.mu.Unlock()
}

// TestSnapshotStorageFailureAbortsBeforeTlogSnapshot exercises the
// storage_fault_tolerance abort path: one storage failure beyond
// tolerance aborts before any tlog is asked to snapshot.
func TestSnapshotStorageFailureAbortsBeforeTlogSnapshot(t *testing.T) {
	gw := &fakeGateway{}
	o := New(gw, ddenabled.New(true), ddconfig.New(), nil, nil)
	defer o.Close()

	storageWorker := &fakeWorker{id: "s1", failN: 1000}
	tlog := &fakeTLog{fakeWorker{id: "t1"}}
	workers := StatefulWorkers{Storage: []Worker{storageWorker}, TLogs: []TLogWorker{tlog}}

	_, err := o.Run(context.Background(), SnapReq{UID: "u5", Payload: []byte("p")}, workers, 1, 0, 0)
	require.Error(t, err)
	assert.True(t, dderr.Is(err, dderr.CodeSnapStorageFailed))

	tlog.mu.Lock()
	assert.Equal(t, 0, tlog.calls)
	tlog.mu.Unlock()
}
