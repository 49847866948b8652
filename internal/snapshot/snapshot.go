// Package snapshot implements SnapshotOrchestrator: the two-phase fan-out
// that quiesces local tlogs, snapshots storage/tlog/coordinator workers,
// and resumes logs, with request-level idempotence keyed on snap_uid.
// Grounded on auth/service/internal/etcd/client.go's APIKeyCache (a
// TTL-keyed map with a background cleanupLoop) for the in-flight and
// recent-result maps, and on clientlibs/go/client.go's RetryPolicy for the
// exponential backoff applied to individual worker RPCs.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tkvstore/datadistributor/internal/ddconfig"
	"github.com/tkvstore/datadistributor/internal/ddenabled"
	"github.com/tkvstore/datadistributor/internal/ddlog"
	"github.com/tkvstore/datadistributor/internal/ddmetrics"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/dderr"
	"github.com/tkvstore/datadistributor/internal/durable"
	"github.com/tkvstore/datadistributor/internal/retry"
)

// Worker is one stateful process an orchestration round sends a snapshot
// RPC to: a storage server, a tlog, or a coordinator.
type Worker interface {
	ID() ddtypes.ServerId
	Snapshot(ctx context.Context, uid string, payload []byte) error
}

// TLogWorker is a Worker that additionally answers the pop-queue
// disable/enable RPCs bracketing the snapshot window.
type TLogWorker interface {
	Worker
	DisablePop(ctx context.Context) error
	EnablePop(ctx context.Context) error
}

// StatefulWorkers is the union SnapshotOrchestrator step 4 computes:
// storage servers (already filtered to the master DC by the caller when
// single-region), local tlogs, and coordinators.
type StatefulWorkers struct {
	Storage      []Worker
	TLogs        []TLogWorker
	Coordinators []Worker

	// MissingStorageWorkers is how many expected storage servers could
	// not be resolved to a live Worker (e.g. unreachable or excluded).
	MissingStorageWorkers int
}

// SnapReq is one DistributorSnap request.
type SnapReq struct {
	UID     string
	Payload []byte
}

// SnapResult summarizes one completed orchestration round.
type SnapResult struct {
	StorageSnapshotted      int
	TLogsSnapshotted        int
	CoordinatorsSnapshotted int
}

type inflightEntry struct {
	payload []byte
	done    chan struct{}
	result  SnapResult
	err     error
}

type resultEntry struct {
	payload   []byte
	result    SnapResult
	err       error
	expiresAt time.Time
}

// Orchestrator runs SnapshotOrchestrator rounds and deduplicates requests
// by snap_uid, both while in flight and for SnapMinimumTimeGap afterward.
type Orchestrator struct {
	enabled *ddenabled.State
	gateway durable.Gateway
	cfg     ddconfig.Config
	log     ddlog.Logger
	metrics ddmetrics.Collector

	inflight sync.Map // uid -> *inflightEntry
	results  sync.Map // uid -> *resultEntry

	stop chan struct{}
}

// New returns an Orchestrator and starts its recent-result cleanup loop.
func New(gateway durable.Gateway, enabled *ddenabled.State, cfg ddconfig.Config, log ddlog.Logger, metrics ddmetrics.Collector) *Orchestrator {
	if log == nil {
		log = ddlog.Nop()
	}
	if metrics == nil {
		metrics = ddmetrics.Nop{}
	}
	o := &Orchestrator{
		enabled: enabled,
		gateway: gateway,
		cfg:     cfg,
		log:     log.With(ddlog.Fields{"component": "snapshot"}),
		metrics: metrics,
		stop:    make(chan struct{}),
	}
	go o.cleanupLoop()
	return o
}

// Close stops the recent-result cleanup loop.
func (o *Orchestrator) Close() { close(o.stop) }

func (o *Orchestrator) cleanupLoop() {
	interval := o.cfg.SnapMinimumTimeGap / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			now := time.Now()
			o.results.Range(func(k, v any) bool {
				if v.(*resultEntry).expiresAt.Before(now) {
					o.results.Delete(k)
				}
				return true
			})
		}
	}
}

// Run serves one DistributorSnap request, deduplicating by uid per the
// engine-level idempotence contract, then executing the nine-step
// orchestration protocol on a cache miss.
func (o *Orchestrator) Run(ctx context.Context, req SnapReq, workers StatefulWorkers, teamSize, maxStorageFaultTolerance, maxCoordFaultTolerance int) (SnapResult, error) {
	if cached, ok := o.results.Load(req.UID); ok {
		entry := cached.(*resultEntry)
		if !bytes.Equal(entry.payload, req.Payload) {
			return SnapResult{}, dderr.New(dderr.CodeDuplicateSnapshotRequest)
		}
		return entry.result, entry.err
	}

	entry := &inflightEntry{payload: req.Payload, done: make(chan struct{})}
	actual, loaded := o.inflight.LoadOrStore(req.UID, entry)
	if loaded {
		existing := actual.(*inflightEntry)
		if !bytes.Equal(existing.payload, req.Payload) {
			return SnapResult{}, dderr.New(dderr.CodeDuplicateSnapshotRequest)
		}
		select {
		case <-existing.done:
			return existing.result, existing.err
		case <-ctx.Done():
			return SnapResult{}, ctx.Err()
		}
	}
	defer func() {
		o.inflight.Delete(req.UID)
		close(entry.done)
	}()

	roundCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.SnapCreateMaxTimeout > 0 {
		roundCtx, cancel = context.WithTimeout(ctx, o.cfg.SnapCreateMaxTimeout)
		defer cancel()
	}

	start := time.Now()
	entry.result, entry.err = o.runOrchestration(roundCtx, req, workers, teamSize, maxStorageFaultTolerance, maxCoordFaultTolerance)
	o.results.Store(req.UID, &resultEntry{
		payload:   req.Payload,
		result:    entry.result,
		err:       entry.err,
		expiresAt: time.Now().Add(o.cfg.SnapMinimumTimeGap),
	})
	outcome := "success"
	if entry.err != nil {
		outcome = "error"
	}
	o.metrics.IncCounter("snapshot_total", map[string]string{"outcome": outcome})
	o.metrics.ObserveDuration("snapshot_duration", map[string]string{"outcome": outcome}, time.Since(start).Seconds())
	return entry.result, entry.err
}

// runOrchestration executes steps 1-9 against one snap_uid.
func (o *Orchestrator) runOrchestration(ctx context.Context, req SnapReq, workers StatefulWorkers, teamSize, maxStorageFaultTolerance, maxCoordFaultTolerance int) (SnapResult, error) {
	if !o.enabled.TryBeginSnapshotPrep(req.UID) {
		return SnapResult{}, dderr.New(dderr.CodeSnapWithRecoveryUnsupported)
	}
	defer o.enabled.EndSnapshotPrep(req.UID)

	if err := o.gateway.WriteRecoveryFlag(ctx); err != nil {
		return SnapResult{}, err
	}

	if err := allOrNothing(fanOutTLogs(ctx, workers.TLogs, func(ctx context.Context, w TLogWorker) error {
		return retryMaybeDelivered(ctx, o.cfg, func(ctx context.Context) error { return w.DisablePop(ctx) })
	})); err != nil {
		return SnapResult{}, dderr.Wrap(dderr.CodeSnapDisableTlogPopFailed, err)
	}

	result, err := o.fanOutAll(ctx, req, workers, teamSize, maxStorageFaultTolerance, maxCoordFaultTolerance)
	if err != nil {
		o.enablePopBestEffort(workers.TLogs)
		return SnapResult{}, err
	}

	if err := o.gateway.ClearRecoveryFlag(ctx); err != nil {
		o.enablePopBestEffort(workers.TLogs)
		return SnapResult{}, err
	}
	return result, nil
}

// fanOutAll runs steps 4-8: storage/tlog/coordinator snapshot RPCs with
// their respective fault-tolerance rules, with tlog pop re-enabled
// between steps 6 and 8.
func (o *Orchestrator) fanOutAll(ctx context.Context, req SnapReq, workers StatefulWorkers, teamSize, maxStorageFaultTolerance, maxCoordFaultTolerance int) (SnapResult, error) {
	storageFaultTolerance := minInt(maxStorageFaultTolerance, teamSize-1) - workers.MissingStorageWorkers
	if storageFaultTolerance < 0 {
		return SnapResult{}, dderr.New(dderr.CodeSnapStorageFailed)
	}

	storageErrs := fanOutSnapshot(ctx, o.cfg, workers.Storage, req)
	o.observeClassFailures("storage", storageErrs)
	if err := tolerated(storageErrs, storageFaultTolerance); err != nil {
		return SnapResult{}, dderr.Wrap(dderr.CodeSnapStorageFailed, err)
	}

	tlogWorkers := make([]Worker, len(workers.TLogs))
	for i, w := range workers.TLogs {
		tlogWorkers[i] = w
	}
	tlogErrs := fanOutSnapshot(ctx, o.cfg, tlogWorkers, req)
	o.observeClassFailures("tlog", tlogErrs)
	if err := allOrNothing(tlogErrs); err != nil {
		return SnapResult{}, dderr.Wrap(dderr.CodeSnapTlogFailed, err)
	}

	if err := allOrNothing(fanOutTLogs(ctx, workers.TLogs, func(ctx context.Context, w TLogWorker) error {
		return retryMaybeDelivered(ctx, o.cfg, func(ctx context.Context) error { return w.EnablePop(ctx) })
	})); err != nil {
		return SnapResult{}, dderr.Wrap(dderr.CodeSnapEnableTlogPopFailed, err)
	}

	coordTolerance := maxCoordFaultTolerance
	if half := len(workers.Coordinators)/2 - 1; half < coordTolerance {
		coordTolerance = half
	}
	if coordTolerance < 0 {
		coordTolerance = 0
	}
	coordErrs := fanOutSnapshot(ctx, o.cfg, workers.Coordinators, req)
	o.observeClassFailures("coordinator", coordErrs)
	if err := tolerated(coordErrs, coordTolerance); err != nil {
		return SnapResult{}, dderr.Wrap(dderr.CodeSnapCoordFailed, err)
	}

	return SnapResult{
		StorageSnapshotted:      countSuccess(storageErrs),
		TLogsSnapshotted:        len(workers.TLogs),
		CoordinatorsSnapshotted: countSuccess(coordErrs),
	}, nil
}

func (o *Orchestrator) enablePopBestEffort(tlogs []TLogWorker) {
	for _, w := range tlogs {
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := w.EnablePop(bgCtx); err != nil {
			o.log.Warn("best-effort enable-pop failed during snapshot recovery", ddlog.Fields{
				"server": string(w.ID()), "error": err.Error(),
			})
		}
		cancel()
	}
}

func fanOutTLogs(ctx context.Context, tlogs []TLogWorker, fn func(context.Context, TLogWorker) error) []error {
	errs := make([]error, len(tlogs))
	var wg sync.WaitGroup
	for i, w := range tlogs {
		wg.Add(1)
		go func(i int, w TLogWorker) {
			defer wg.Done()
			errs[i] = fn(ctx, w)
		}(i, w)
	}
	wg.Wait()
	return errs
}

func fanOutSnapshot(ctx context.Context, cfg ddconfig.Config, workers []Worker, req SnapReq) []error {
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w Worker) {
			defer wg.Done()
			errs[i] = retryMaybeDelivered(ctx, cfg, func(ctx context.Context) error {
				return w.Snapshot(ctx, req.UID, req.Payload)
			})
		}(i, w)
	}
	wg.Wait()
	return errs
}

// ErrMaybeDelivered is the sentinel a Worker should wrap when an RPC's
// outcome is unknown because the transport failed after the request may
// have reached the server; request_maybe_delivered retries are safe
// because snap_uid makes the RPC idempotent on the worker's side.
var ErrMaybeDelivered = errors.New("snapshot: request maybe delivered")

func retryMaybeDelivered(ctx context.Context, cfg ddconfig.Config, fn func(context.Context) error) error {
	policy := retry.Policy{
		MaxAttempts:       cfg.SnapRPCMaxRetries,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        cfg.SnapRPCBackoffCap,
		BackoffMultiplier: 2,
		Jitter:            0.2,
	}
	return retry.Do(ctx, policy, func(err error) bool { return errors.Is(err, ErrMaybeDelivered) }, func(ctx context.Context, attempt int) error {
		return fn(ctx)
	})
}

func allOrNothing(errs []error) error {
	return tolerated(errs, 0)
}

func tolerated(errs []error, tolerance int) error {
	var joined error
	failures := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		failures++
		joined = errors.Join(joined, err)
	}
	if failures > tolerance {
		return fmt.Errorf("%d of %d failed (tolerance %d): %w", failures, len(errs), tolerance, joined)
	}
	return nil
}

func countSuccess(errs []error) int {
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		}
	}
	return n
}

// observeClassFailures reports how many of a worker class's snapshot RPCs
// failed, regardless of whether the failure count was within the class's
// tolerance.
func (o *Orchestrator) observeClassFailures(class string, errs []error) {
	failed := len(errs) - countSuccess(errs)
	for i := 0; i < failed; i++ {
		o.metrics.IncCounter("snapshot_worker_failures_total", map[string]string{"class": class})
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
