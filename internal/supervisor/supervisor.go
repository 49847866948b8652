// Package supervisor implements the bootstrap loop, fatal-error
// classification, and in-process request router that together form the
// data distributor's top-level actor (spec section 4.8). Grounded on
// placementdriver/cmd/placementdriver/main.go's bootstrap sequence (flag
// setup, start subordinates, block on a signal/error, graceful shutdown),
// generalized from a one-shot process bootstrap into a loop that
// re-bootstraps on the fatal-error classes the spec calls out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tkvstore/datadistributor/internal/audit"
	"github.com/tkvstore/datadistributor/internal/ddconfig"
	"github.com/tkvstore/datadistributor/internal/ddenabled"
	"github.com/tkvstore/datadistributor/internal/ddlog"
	"github.com/tkvstore/datadistributor/internal/ddmetrics"
	"github.com/tkvstore/datadistributor/internal/ddtaskgroup"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/dderr"
	"github.com/tkvstore/datadistributor/internal/distribution"
	"github.com/tkvstore/datadistributor/internal/durable"
	"github.com/tkvstore/datadistributor/internal/lock"
	"github.com/tkvstore/datadistributor/internal/relocation"
	"github.com/tkvstore/datadistributor/internal/resume"
	"github.com/tkvstore/datadistributor/internal/snapshot"
	"github.com/tkvstore/datadistributor/internal/wiggle"
)

// HealthyTeamsChecker answers ExclusionSafetyCheck by counting healthy
// teams once a candidate set of addresses is excluded. Optional;
// ExclusionSafetyCheck reports unsafe when unset.
type HealthyTeamsChecker interface {
	HealthyTeamCount(ctx context.Context, exclusions []string) (int, error)
}

// TenantsOverQuotaSource answers TenantsOverQuota. Optional, matching the
// "(optional)" tenant cache in the bootstrap loop's step 8.
type TenantsOverQuotaSource interface {
	TenantsOverQuota(ctx context.Context) ([]string, error)
}

// ShardSizeSource answers MetricsRequest. Optional; Metrics reports
// not_implemented when unset.
type ShardSizeSource interface {
	ShardSizes(ctx context.Context, keys []ddtypes.Key) ([]int64, error)
}

// errHalted is the sentinel a HaltRequest raises through the request
// router to stop the bootstrap loop cleanly.
var errHalted = errors.New("supervisor: halt requested")

// Supervisor owns the bootstrap loop and is the single point every request
// in section 6 is dispatched through.
type Supervisor struct {
	gateway durable.Gateway
	enabled *ddenabled.State
	ssi     audit.StorageServerInterfaces
	healthy HealthyTeamsChecker
	tenants TenantsOverQuotaSource
	sizes   ShardSizeSource
	cfg     ddconfig.Config
	log     ddlog.Logger
	metrics ddmetrics.Collector
	snap    *snapshot.Orchestrator

	requests chan requestEnvelope

	// fatal carries errors raised by subsystems outside the generation's
	// own subordinates (e.g. an external shard tracker reporting that a
	// failed server's keys have already been evicted) into whichever
	// generation is currently running.
	fatal chan error

	// lastHealthyTeam is a best-effort fallback used by the
	// RemoveFailedServer cleanup path when no generation is live; it is
	// refreshed from the most recently loaded InitialDistribution.
	lastHealthyTeam ddtypes.Team
}

// New returns a Supervisor. healthy, tenants, and sizes may be nil.
func New(gateway durable.Gateway, enabled *ddenabled.State, ssi audit.StorageServerInterfaces, healthy HealthyTeamsChecker, tenants TenantsOverQuotaSource, sizes ShardSizeSource, cfg ddconfig.Config, log ddlog.Logger, metrics ddmetrics.Collector) *Supervisor {
	if log == nil {
		log = ddlog.Nop()
	}
	if metrics == nil {
		metrics = ddmetrics.Nop{}
	}
	return &Supervisor{
		gateway:  gateway,
		enabled:  enabled,
		ssi:      ssi,
		healthy:  healthy,
		tenants:  tenants,
		sizes:    sizes,
		cfg:      cfg,
		log:      log.With(ddlog.Fields{"component": "supervisor"}),
		metrics:  metrics,
		snap:     snapshot.New(gateway, enabled, cfg, log, metrics),
		requests: make(chan requestEnvelope, 64),
		fatal:    make(chan error, 1),
	}
}

// generation holds the in-memory state one bootstrap cycle owns: the
// move-keys lock it runs under, the relocation bus, the shards-affected
// tracker, one WiggleEngine per region, and the audit manager. Per section
// 5, this state is touched only by the generation goroutine that owns it
// and by request-router closures it dispatches serially.
type generation struct {
	lock     lock.MoveKeysLock
	cluster  durable.ClusterConfig
	bus      *relocation.Bus
	affected *resume.MapShardsAffected
	wiggles  map[string]*wiggle.Engine
	audits   *audit.Manager
	group    *ddtaskgroup.Group
}

// Run executes the bootstrap loop described in spec section 4.8 until ctx
// is cancelled or a fatal error outside the recognized re-bootstrap set
// occurs. owner identifies this process for lock acquisition and the
// snapshot-prep/blob-restore-prep latches.
func (s *Supervisor) Run(ctx context.Context, owner string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.runGeneration(ctx, owner)

		var rfs *removeFailedServerError
		if errors.As(err, &rfs) {
			s.cleanupFailedServer(ctx, owner, rfs.server)
			continue
		}
		if errors.Is(err, errHalted) {
			return nil
		}

		switch classify(err, s.enabled.Enabled()) {
		case actionRebootstrap:
			s.metrics.IncCounter("bootstrap_rebootstrap_total", nil)
			s.log.Warn("re-bootstrapping after recoverable fatal error", ddlog.Fields{"error": err.Error()})
			continue
		case actionPropagate:
			s.metrics.IncCounter("bootstrap_ended_total", nil)
			return err
		}
	}
}

// actionKind is the outcome of classifying one generation's fatal error.
type actionKind int

const (
	actionPropagate actionKind = iota
	actionRebootstrap
)

// classify implements the fatal-set contract table: ActorCancelled
// propagates; MoveKeysConflict/DDConfigChanged rethrow only while DD is
// still durably enabled; everything else rethrows.
func classify(err error, durablyEnabled bool) actionKind {
	if err == nil {
		return actionPropagate
	}
	if errors.Is(err, context.Canceled) {
		return actionPropagate
	}
	if dderr.Is(err, dderr.CodeMoveKeysConflict) || dderr.Is(err, dderr.CodeDDConfigChanged) {
		if durablyEnabled {
			return actionPropagate
		}
		return actionRebootstrap
	}
	return actionPropagate
}

// removeFailedServerError wraps dderr.ErrRemoveFailedServer with the
// server id the cleanup step must evict.
type removeFailedServerError struct {
	server ddtypes.ServerId
}

func (e *removeFailedServerError) Error() string {
	return fmt.Sprintf("supervisor: remove failed server %s completed", e.server)
}
func (e *removeFailedServerError) Unwrap() error { return dderr.ErrRemoveFailedServer }

// cleanupFailedServer picks a healthy team's members as the replacement
// target, evicts the failed server's keys, removes it from the server
// list, then lets Run's loop re-bootstrap. The generation that raised
// removeFailedServerError has already torn down, so its lock token may no
// longer be current; cleanupFailedServer re-acquires the move-keys lock
// itself rather than mutating under a zero token, which durable.Gateway
// would otherwise reject outright or, worse, apply unfenced.
func (s *Supervisor) cleanupFailedServer(ctx context.Context, owner string, server ddtypes.ServerId) {
	l, err := s.gateway.TakeLock(ctx, owner)
	if err != nil {
		s.log.Error("failed to take move-keys lock for failed-server cleanup", err, ddlog.Fields{"server": string(server)})
		return
	}

	replacement := pickHealthyTeam(s.lastHealthyTeam, server)
	if err := s.gateway.RemoveKeysFromFailedServer(ctx, server, replacement, l); err != nil {
		s.log.Error("remove_keys_from_failed_server failed during cleanup", err, ddlog.Fields{"server": string(server)})
	}
	if err := s.gateway.RemoveStorageServer(ctx, server, nil, l); err != nil {
		s.log.Error("remove_storage_server failed during cleanup", err, ddlog.Fields{"server": string(server)})
	}
}

// pickHealthyTeam returns a random rotation of team with exclude removed,
// so repeated cleanups don't always hand the same replacement candidate
// back first.
func pickHealthyTeam(team ddtypes.Team, exclude ddtypes.ServerId) ddtypes.Team {
	filtered := make(ddtypes.Team, 0, len(team))
	for _, s := range team {
		if s != exclude {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) < 2 {
		return filtered
	}
	i := rand.Intn(len(filtered))
	rotated := make(ddtypes.Team, 0, len(filtered))
	rotated = append(rotated, filtered[i:]...)
	rotated = append(rotated, filtered[:i]...)
	return rotated
}

// runGeneration runs one full bootstrap cycle: steps 1-8 of section 4.8
// synchronously, then blocks until a subordinate (the lock poller or the
// request router) reports on errCh, a fatal error arrives through
// ReportRemoveFailedServerCompleted, or ctx is cancelled, per "await any subordinate;
// any returned status is treated as abnormal".
func (s *Supervisor) runGeneration(ctx context.Context, owner string) error {
	if err := s.waitEnabled(ctx); err != nil {
		return err
	}

	l, err := s.gateway.TakeLock(ctx, owner)
	if err != nil {
		return err
	}

	cluster, err := s.gateway.LoadConfiguration(ctx)
	if err != nil {
		return err
	}
	// The durable DD-enabled flag and the process-wide latch share one
	// State: waitEnabled blocks on exactly what this sync just set.
	s.enabled.SetEnabled(cluster.DDEnabled)
	if !cluster.DDEnabled {
		s.log.Info("dd disabled in durable configuration, idling", nil)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		return dderr.New(dderr.CodeDDConfigChanged)
	}

	initial, err := s.gateway.LoadInitialDistribution(ctx, l)
	if err != nil {
		return err
	}
	s.rememberHealthyTeam(initial)

	// §4.8 step 6: emit the initial trace/metric bootstrap events before
	// this generation's subordinates start.
	s.metrics.IncCounter("bootstrap_total", nil)
	s.metrics.SetGauge("bootstrap_usable_regions", nil, float64(cluster.UsableRegions))
	s.log.Info("bootstrap starting", ddlog.Fields{"owner": owner, "usable_regions": cluster.UsableRegions})

	gen := &generation{
		lock:     l,
		cluster:  cluster,
		bus:      relocation.NewWithMetrics(s.metrics),
		affected: resume.NewMapShardsAffected(),
		wiggles:  buildWiggleEngines(cluster, s.cfg),
	}
	gen.audits = audit.New(s.gateway, s.ssi, s.cfg, l, s.log, s.metrics, fullKeyRange())
	gen.audits.Resume(ctx, initial.AuditStates)

	gen.group = ddtaskgroup.New(ctx)

	resumeEngine := resume.New(s.gateway, gen.bus, gen.affected, s.cfg, cluster, l, s.log)
	if err := resumeEngine.Run(gen.group.Context(), initial); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	gen.group.Go(func(ctx context.Context) { s.pollLockLoop(ctx, l, errCh) })
	gen.group.Go(func(ctx context.Context) { s.serveRequests(ctx, gen, errCh) })

	select {
	case <-ctx.Done():
		gen.group.CancelAndWait()
		gen.affected.Clear()
		return ctx.Err()
	case err := <-errCh:
		gen.group.CancelAndWait()
		if err == nil {
			err = dderr.New(dderr.CodeOperationFailed)
		}
		return err
	case err := <-s.fatal:
		gen.group.CancelAndWait()
		return err
	}
}

// ReportRemoveFailedServerCompleted notifies the currently running
// generation that server's keys have already been evicted by an external
// shard tracker, triggering the "RemoveFailedServer completed" cleanup
// step and a re-bootstrap.
func (s *Supervisor) ReportRemoveFailedServerCompleted(ctx context.Context, server ddtypes.ServerId) error {
	select {
	case s.fatal <- &removeFailedServerError{server: server}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) rememberHealthyTeam(initial distribution.Initial) {
	for _, shard := range initial.Shards {
		if len(shard.SrcPrimaryTeam) > 0 {
			s.lastHealthyTeam = shard.SrcPrimaryTeam
			return
		}
	}
}

// waitEnabled blocks until the process-wide DD-enabled flag is true.
func (s *Supervisor) waitEnabled(ctx context.Context) error {
	for !s.enabled.Enabled() {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// pollLockLoop re-checks the move-keys lock periodically; losing it is a
// MoveKeysConflict fatal error for this generation.
func (s *Supervisor) pollLockLoop(ctx context.Context, l lock.MoveKeysLock, errCh chan<- error) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.gateway.PollLock(ctx, l); err != nil {
				select {
				case errCh <- dderr.Wrap(dderr.CodeMoveKeysConflict, err):
				default:
				}
				return
			}
		}
	}
}

func buildWiggleEngines(cluster durable.ClusterConfig, cfg ddconfig.Config) map[string]*wiggle.Engine {
	regions := cluster.UsableRegions
	if regions < 1 {
		regions = 1
	}
	out := make(map[string]*wiggle.Engine, regions)
	out["primary"] = wiggle.New(cfg.WiggleMinimumAge)
	if regions > 1 {
		out["remote"] = wiggle.New(cfg.WiggleMinimumAge)
	}
	return out
}

func fullKeyRange() ddtypes.KeyRange {
	return ddtypes.KeyRange{Begin: ddtypes.Key(""), End: ddtypes.Key("\xff\xff\xff\xff")}
}
