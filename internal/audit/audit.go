// Package audit implements AuditEngine: the state machine that launches,
// partitions, dispatches, retries, and finalizes storage audits. Grounded
// on placementdriver/internal/server/reconciliation.go's
// Reconciler/reconcile() loop (periodic pass, per-issue dispatch,
// throttled repair), generalized into a proper per-audit state machine,
// and on fsm/health.go's HealthReport shape for progress tallying.
package audit

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/tkvstore/datadistributor/internal/ddconfig"
	"github.com/tkvstore/datadistributor/internal/ddlog"
	"github.com/tkvstore/datadistributor/internal/ddmetrics"
	"github.com/tkvstore/datadistributor/internal/ddtaskgroup"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/dderr"
	"github.com/tkvstore/datadistributor/internal/durable"
	"github.com/tkvstore/datadistributor/internal/lock"
)

// ErrAuditStorageMismatch is raised by StorageServerInterfaces when a
// server's data genuinely fails the audit check (a data-level finding,
// not a transport or timeout error).
var ErrAuditStorageMismatch = errors.New("audit: storage mismatch detected")

// SubRangeServers is one source-server lookup result: the servers
// holding sub-range Range, grouped by datacenter.
type SubRangeServers struct {
	Range     ddtypes.KeyRange
	PrimaryDC string
	DCs       map[string][]ddtypes.ServerId
}

// StorageServerInterfaces is AuditEngine's external collaborator: the
// storage-server topology lookup and the actual per-server audit RPC.
// Production wiring satisfies this against the real cluster topology;
// tests use a fake grounded on worker_tests/storage_test.go's
// setupTestDB fake-backend idiom.
type StorageServerInterfaces interface {
	AllServers(ctx context.Context) ([]ddtypes.ServerInfo, error)
	SourceServersForRange(ctx context.Context, rng ddtypes.KeyRange) ([]SubRangeServers, error)
	AuditStorageServer(ctx context.Context, server ddtypes.ServerId, rng ddtypes.KeyRange, typ ddtypes.AuditType) error
}

type auditKey struct {
	Type ddtypes.AuditType
	ID   string
}

// DDAudit is one live audit: its durable core plus the runtime task
// group and accumulated child-outcome flags.
type DDAudit struct {
	mu sync.Mutex

	core      ddtypes.AuditState
	group     *ddtaskgroup.Group
	startedAt time.Time

	retryCount     int
	foundError     bool
	anyChildFailed bool
	cancelled      bool
}

func (a *DDAudit) snapshot() ddtypes.AuditState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.core
}

func (a *DDAudit) setFoundError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.foundError = true
}

func (a *DDAudit) setChildFailed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.anyChildFailed = true
}

func (a *DDAudit) flags() (foundError, childFailed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.foundError, a.anyChildFailed
}

func (a *DDAudit) clearChildFailed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.anyChildFailed = false
}

// Cancel cancels the audit's task group and marks it cancelled, the way
// the original cancels a root activity and its task group atomically.
func (a *DDAudit) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	group := a.group
	a.mu.Unlock()
	if group != nil {
		group.Cancel()
	}
}

func (a *DDAudit) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// Manager owns the audit map, keyed by (type, id), and schedules/
// supervises every live audit's retry generations. Mutated only from the
// single supervisor-generation cooperative-scheduling context described
// in the concurrency model, not guarded by a mutex for the map contents
// themselves beyond what's needed for the background retry goroutines
// this Go mapping introduces.
type Manager struct {
	mu     sync.Mutex
	audits map[auditKey]*DDAudit

	gateway durable.Gateway
	ssi     StorageServerInterfaces
	cfg     ddconfig.Config
	lock    lock.MoveKeysLock
	log     ddlog.Logger
	metrics ddmetrics.Collector
	allKeys ddtypes.KeyRange

	failures failureTracker
}

// New returns a Manager. allKeys is the full tiled keyspace, used for
// ServerShard and LocationMetadata audits that operate "by range" over
// everything rather than a caller-supplied sub-range.
func New(gateway durable.Gateway, ssi StorageServerInterfaces, cfg ddconfig.Config, l lock.MoveKeysLock, log ddlog.Logger, metrics ddmetrics.Collector, allKeys ddtypes.KeyRange) *Manager {
	if log == nil {
		log = ddlog.Nop()
	}
	if metrics == nil {
		metrics = ddmetrics.Nop{}
	}
	return &Manager{
		audits:  make(map[auditKey]*DDAudit),
		gateway: gateway,
		ssi:     ssi,
		cfg:     cfg,
		lock:    l,
		log:     log.With(ddlog.Fields{"component": "audit"}),
		metrics: metrics,
		allKeys: allKeys,
		failures: newFailureTracker(),
	}
}

// Resume adopts every durable audit state in Phase Running, cancelling
// any pre-existing runtime entry for the same key first (§4.6.1).
func (m *Manager) Resume(ctx context.Context, states []ddtypes.AuditState) {
	for _, state := range states {
		if state.Phase != ddtypes.AuditRunning {
			continue
		}
		key := auditKey{Type: state.Type, ID: state.ID}

		m.mu.Lock()
		if existing, ok := m.audits[key]; ok {
			existing.Cancel()
		}
		aud := &DDAudit{core: state, startedAt: time.Now()}
		m.audits[key] = aud
		m.mu.Unlock()

		m.metrics.IncCounter("audit_resumed_total", map[string]string{"type": state.Type.String()})
		go m.auditCore(ctx, key, 0)
	}
}

// excludeSelf drops the audit's own durable record from a progress-index
// lookup: the by-range/by-server index is meant to reflect other audits'
// finer-grained sub-progress, not the top-level record this audit's own
// PersistNewAuditState/PersistAuditState calls wrote.
func excludeSelf(states []ddtypes.AuditState, selfID string) []ddtypes.AuditState {
	out := states[:0:0]
	for _, s := range states {
		if s.ID == selfID {
			continue
		}
		out = append(out, s)
	}
	return out
}

func containsRange(outer, inner ddtypes.KeyRange) bool {
	return inner.Begin.Compare(outer.Begin) >= 0 && inner.End.Compare(outer.End) <= 0
}

// Launch implements the launch protocol (§4.6.2): returns the existing
// running audit of typ whose range contains rng, or creates a new one.
// At most one Running audit per type may exist (invariant 2).
func (m *Manager) Launch(ctx context.Context, rng ddtypes.KeyRange, typ ddtypes.AuditType) (string, error) {
	m.mu.Lock()
	for key, aud := range m.audits {
		if key.Type != typ {
			continue
		}
		state := aud.snapshot()
		if state.Phase == ddtypes.AuditRunning && containsRange(state.Range, rng) {
			id := state.ID
			m.mu.Unlock()
			return id, nil
		}
		m.mu.Unlock()
		return "", dderr.New(dderr.CodeExceededRequestLimit)
	}
	m.mu.Unlock()

	state := ddtypes.AuditState{Type: typ, Range: rng, Phase: ddtypes.AuditRunning}
	id, err := m.gateway.PersistNewAuditState(ctx, state, "", m.lock)
	if err != nil {
		return "", err
	}
	state.ID = id

	key := auditKey{Type: typ, ID: id}
	m.mu.Lock()
	m.audits[key] = &DDAudit{core: state, startedAt: time.Now()}
	m.mu.Unlock()

	m.metrics.IncCounter("audit_launched_total", map[string]string{"type": typ.String()})
	go m.auditCore(ctx, key, 0)
	return id, nil
}

func (m *Manager) get(key auditKey) *DDAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audits[key]
}

func (m *Manager) drop(key auditKey) {
	m.mu.Lock()
	delete(m.audits, key)
	m.mu.Unlock()
}

// auditCore runs one generation of an audit: dispatch, wait for
// children, then apply the three-way error policy from §4.6.3.
func (m *Manager) auditCore(ctx context.Context, key auditKey, retryCount int) {
	aud := m.get(key)
	if aud == nil {
		return
	}

	group := ddtaskgroup.New(ctx)
	aud.mu.Lock()
	aud.group = group
	aud.retryCount = retryCount
	aud.mu.Unlock()

	dispatchErr := m.dispatch(group, aud)
	group.Wait()

	if aud.isCancelled() || errors.Is(dispatchErr, context.Canceled) || dderr.Is(dispatchErr, dderr.CodeMoveKeysConflict) {
		m.drop(key)
		return
	}

	foundErr, childFailed := aud.flags()

	switch {
	case foundErr:
		m.finish(ctx, key, aud, ddtypes.AuditError)
	case dderr.Is(dispatchErr, dderr.CodeNotImplemented):
		m.fail(ctx, key, aud)
	case childFailed:
		if retryCount+1 >= m.cfg.AuditRetryCountMax {
			m.fail(ctx, key, aud)
			return
		}
		aud.clearChildFailed()
		m.drop(key)
		time.Sleep(m.cfg.AuditRetryBackoff)
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.audits[key] = aud
		m.mu.Unlock()
		go m.auditCore(ctx, key, retryCount+1)
	default:
		m.finish(ctx, key, aud, ddtypes.AuditComplete)
	}
}

func (m *Manager) finish(ctx context.Context, key auditKey, aud *DDAudit, phase ddtypes.AuditPhase) {
	state := aud.snapshot()
	state.Phase = phase
	if err := m.gateway.PersistAuditState(ctx, state, "", m.lock); err != nil {
		m.log.Error("failed to persist audit finish", err, ddlog.Fields{"audit_id": state.ID, "phase": phase.String()})
	}
	m.recordOutcome(state.Type, phase, aud.startedAt)
	m.drop(key)
}

// fail best-effort persists the Failed phase; a persistence failure here
// is tolerated, leaving a zombie durable state for the next resume pass.
func (m *Manager) fail(ctx context.Context, key auditKey, aud *DDAudit) {
	state := aud.snapshot()
	state.Phase = ddtypes.AuditFailed
	_ = m.gateway.PersistAuditState(ctx, state, "", m.lock)
	m.recordOutcome(state.Type, ddtypes.AuditFailed, aud.startedAt)
	m.drop(key)
}

// recordOutcome reports the terminal phase an audit reached and, when
// startedAt is known, how long it took from launch/resume to that phase.
func (m *Manager) recordOutcome(typ ddtypes.AuditType, phase ddtypes.AuditPhase, startedAt time.Time) {
	labels := map[string]string{"type": typ.String(), "phase": phase.String()}
	m.metrics.IncCounter("audit_finished_total", labels)
	if !startedAt.IsZero() {
		m.metrics.ObserveDuration("audit_duration", labels, time.Since(startedAt).Seconds())
	}
}

func (m *Manager) dispatch(group *ddtaskgroup.Group, aud *DDAudit) error {
	state := aud.snapshot()
	switch state.Type {
	case ddtypes.AuditServerShard:
		return m.auditInputRangeOnAllStorageServers(group, aud)
	case ddtypes.AuditLocationMetadata:
		return m.makeProgressOnRange(group, aud, m.allKeys)
	case ddtypes.AuditHA, ddtypes.AuditReplica:
		return m.makeProgressOnRange(group, aud, state.Range)
	default:
		return dderr.New(dderr.CodeNotImplemented)
	}
}

// auditInputRangeOnAllStorageServers enumerates every storage server,
// skips TSS, and schedules make_progress_on_server for each remaining
// server, spacing the schedule calls so they don't burst (§4.6.4).
func (m *Manager) auditInputRangeOnAllStorageServers(group *ddtaskgroup.Group, aud *DDAudit) error {
	servers, err := m.ssi.AllServers(group.Context())
	if err != nil {
		return err
	}
	for _, info := range servers {
		if info.IsTSS {
			continue
		}
		server := info.ID
		group.Go(func(ctx context.Context) {
			m.makeProgressOnServer(ctx, group, aud, m.allKeys, server)
		})
		runtime.Gosched()
	}
	return nil
}

// makeProgressOnRange walks the by-range audit-state index over
// [rng.Begin, rng.End), tallying terminal sub-states and spawning
// scheduleOnRange for anything still Invalid (§4.6.5).
func (m *Manager) makeProgressOnRange(group *ddtaskgroup.Group, aud *DDAudit, rng ddtypes.KeyRange) error {
	ctx := group.Context()
	state := aud.snapshot()
	cursor := rng.Begin

	for cursor.Compare(rng.End) < 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sub := ddtypes.KeyRange{Begin: cursor, End: rng.End}
		states, err := m.gateway.GetAuditStateByRange(ctx, state.Type, sub)
		if err != nil {
			return err
		}
		states = excludeSelf(states, state.ID)
		if len(states) == 0 {
			sub := sub
			group.Go(func(ctx context.Context) { m.scheduleOnRange(ctx, group, aud, sub) })
			return nil
		}
		for _, s := range states {
			switch s.Phase {
			case ddtypes.AuditComplete:
				// tallied; no further action.
			case ddtypes.AuditError:
				aud.setFoundError()
			case ddtypes.AuditInvalid:
				subRange := s.Range
				group.Go(func(ctx context.Context) { m.scheduleOnRange(ctx, group, aud, subRange) })
			default:
				// Running/Failed must not appear here; the launch/resume
				// protocol is supposed to prevent it. Defensive fallback:
				// treat as a retryable child failure rather than hang.
				aud.setChildFailed()
			}
			cursor = s.Range.End
		}
	}
	return nil
}

// makeProgressOnServer is make_progress_on_range's by-server twin: it
// queries the by-server index and spawns do_audit_on_storage_server
// directly instead of scheduleOnRange.
func (m *Manager) makeProgressOnServer(ctx context.Context, group *ddtaskgroup.Group, aud *DDAudit, rng ddtypes.KeyRange, server ddtypes.ServerId) {
	state := aud.snapshot()
	cursor := rng.Begin

	for cursor.Compare(rng.End) < 0 {
		if ctx.Err() != nil {
			return
		}
		sub := ddtypes.KeyRange{Begin: cursor, End: rng.End}
		states, err := m.gateway.GetAuditStateByServer(ctx, state.Type, server, sub)
		if err != nil {
			aud.setChildFailed()
			return
		}
		states = excludeSelf(states, state.ID)
		if len(states) == 0 {
			m.doAuditOnStorageServer(ctx, aud, server, sub)
			return
		}
		for _, s := range states {
			switch s.Phase {
			case ddtypes.AuditComplete:
			case ddtypes.AuditError:
				aud.setFoundError()
			case ddtypes.AuditInvalid:
				subRange := s.Range
				group.Go(func(ctx context.Context) { m.doAuditOnStorageServer(ctx, aud, server, subRange) })
			default:
				aud.setChildFailed()
			}
			cursor = s.Range.End
		}
	}
}

// scheduleOnRange obtains source-server topology for rng and dispatches
// do_audit_on_storage_server per sub-range, per the target-selection
// rules for each audit type (§4.6.6).
func (m *Manager) scheduleOnRange(ctx context.Context, group *ddtaskgroup.Group, aud *DDAudit, rng ddtypes.KeyRange) {
	state := aud.snapshot()
	subs, err := m.ssi.SourceServersForRange(ctx, rng)
	if err != nil {
		aud.setChildFailed()
		return
	}

	for _, sr := range subs {
		if ctx.Err() != nil {
			return
		}
		primary := sr.DCs[sr.PrimaryDC]

		switch state.Type {
		case ddtypes.AuditHA:
			total := 0
			for _, servers := range sr.DCs {
				total += len(servers)
			}
			if total <= 1 {
				continue
			}
			target := pickRandom(primary)
			group.Go(func(ctx context.Context) { m.doAuditOnStorageServer(ctx, aud, target, sr.Range) })
		case ddtypes.AuditReplica:
			if len(primary) <= 1 {
				continue
			}
			target := primary[0]
			group.Go(func(ctx context.Context) { m.doAuditOnStorageServer(ctx, aud, target, sr.Range) })
		case ddtypes.AuditLocationMetadata:
			target := pickRandom(primary)
			if target == "" {
				continue
			}
			group.Go(func(ctx context.Context) { m.doAuditOnStorageServer(ctx, aud, target, sr.Range) })
		}
		runtime.Gosched()
	}
}

func pickRandom(servers []ddtypes.ServerId) ddtypes.ServerId {
	if len(servers) == 0 {
		return ""
	}
	return servers[rand.Intn(len(servers))]
}

// doAuditOnStorageServer runs the audit RPC against server with a
// sustained-failure timeout policy: the allowed duration shrinks as the
// server's recent failure streak grows, the same escalating-latency
// shape as the teacher's RebalanceManager.detectCompaction/
// trackMoveLatency, generalized from detecting compaction to detecting a
// server under sustained backpressure.
func (m *Manager) doAuditOnStorageServer(ctx context.Context, aud *DDAudit, server ddtypes.ServerId, rng ddtypes.KeyRange) {
	timeout := m.failures.timeoutFor(server)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := m.ssi.AuditStorageServer(callCtx, server, rng, aud.snapshot().Type)
	elapsed := time.Since(start)
	m.failures.record(server, err, elapsed)
	m.metrics.ObserveDuration("audit_server_check_duration", map[string]string{"server": string(server)}, elapsed.Seconds())

	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return
	case errors.Is(err, ErrAuditStorageMismatch):
		m.metrics.IncCounter("audit_mismatch_total", map[string]string{"server": string(server)})
		aud.setFoundError()
	default:
		m.metrics.IncCounter("audit_server_check_error_total", map[string]string{"server": string(server)})
		aud.setChildFailed()
	}
}
