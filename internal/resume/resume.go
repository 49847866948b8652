// Package resume implements ResumeEngine: the component that replays the
// durable InitialDistribution snapshot into live relocation work. Grounded
// on worker/internal/shard/manager.go's ShardManager.SyncShards two-phase
// (stop-then-start) reconciliation, generalized from "replica sets on one
// worker" to "relocations against shards-affected + the relocation bus".
package resume

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/tkvstore/datadistributor/internal/ddconfig"
	"github.com/tkvstore/datadistributor/internal/ddlog"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/distribution"
	"github.com/tkvstore/datadistributor/internal/durable"
	"github.com/tkvstore/datadistributor/internal/lock"
	"github.com/tkvstore/datadistributor/internal/relocation"
)

// ShardsAffected is the external tracker's contract with ResumeEngine:
// the unit it watches (Register) and the current source teams for a
// sub-range (MoveShard). Satisfied in production by the external
// Tracker; MapShardsAffected is the in-module test double.
type ShardsAffected interface {
	Register(rng ddtypes.KeyRange)
	MoveShard(rng ddtypes.KeyRange, teams []ddtypes.Team)
}

// MapShardsAffected is a ShardsAffected test double that records every
// call, grounded on worker_tests/storage_test.go's setupTestDB
// fake-backend idiom.
type MapShardsAffected struct {
	mu        sync.Mutex
	Registered []ddtypes.KeyRange
	Moves      map[string][]ddtypes.Team
}

// NewMapShardsAffected returns an empty MapShardsAffected.
func NewMapShardsAffected() *MapShardsAffected {
	return &MapShardsAffected{Moves: make(map[string][]ddtypes.Team)}
}

func (m *MapShardsAffected) Register(rng ddtypes.KeyRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Registered = append(m.Registered, rng)
}

func (m *MapShardsAffected) MoveShard(rng ddtypes.KeyRange, teams []ddtypes.Team) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Moves[rng.String()] = teams
}

// Clear drops all registered ranges and moves, used when a supervisor
// generation is torn down after an ActorCancelled fatal error.
func (m *MapShardsAffected) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Registered = nil
	m.Moves = make(map[string][]ddtypes.Team)
}

// Engine runs ResumeEngine's three phases against one InitialDistribution.
type Engine struct {
	gateway  durable.Gateway
	bus      *relocation.Bus
	affected ShardsAffected
	cfg      ddconfig.Config
	cluster  durable.ClusterConfig
	lock     lock.MoveKeysLock
	log      ddlog.Logger
}

// New returns an Engine. cluster is typically loaded once via
// durable.Gateway.LoadConfiguration at bootstrap.
func New(gateway durable.Gateway, bus *relocation.Bus, affected ShardsAffected, cfg ddconfig.Config, cluster durable.ClusterConfig, l lock.MoveKeysLock, log ddlog.Logger) *Engine {
	if log == nil {
		log = ddlog.Nop()
	}
	return &Engine{gateway: gateway, bus: bus, affected: affected, cfg: cfg, cluster: cluster, lock: l, log: log.With(ddlog.Fields{"component": "resume"})}
}

// Run executes Phase A then Phase B synchronously, then launches Phase C
// as a best-effort background sweep and returns immediately.
func (e *Engine) Run(ctx context.Context, initial distribution.Initial) error {
	if err := e.runPhaseA(ctx, initial); err != nil {
		return fmt.Errorf("resume: phase A: %w", err)
	}
	if err := e.runPhaseB(ctx, initial); err != nil {
		return fmt.Errorf("resume: phase B: %w", err)
	}
	e.runPhaseC(ctx, initial)
	return nil
}

// subRange is one override-split slice of a shard's key range, carrying
// the shard's source/destination metadata unchanged.
type subRange struct {
	keys              ddtypes.KeyRange
	index             int
	customReplicas    int
	shard             ddtypes.ShardInfo
}

// runPhaseA iterates adjacent shard boundaries, splits at every range
// override crossing, marks unhealthy sub-ranges, registers each with the
// shards-affected map, and emits RelocateShard per the emission rule.
func (e *Engine) runPhaseA(ctx context.Context, initial distribution.Initial) error {
	if len(initial.Shards) < 2 {
		// Zero shards, or only the sentinel: no ranges to process.
		return nil
	}

	overReplicatedCount := 0
	hasDestEmitted := 0
	for i := 0; i+1 < len(initial.Shards); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		shard := initial.Shards[i]
		rng := ddtypes.KeyRange{Begin: shard.KeyBegin, End: initial.Shards[i+1].KeyBegin}
		if rng.Empty() {
			continue
		}

		subs := splitByOverrides(rng, initial.RangeOverrides)
		for idx, sub := range subs {
			factor := overrideFactorFor(sub, initial.RangeOverrides)
			customReplicas := e.cluster.StorageTeamSize
			if factor > customReplicas {
				customReplicas = factor
			}

			unhealthy := false
			primarySize := len(shard.SrcPrimaryTeam)
			if primarySize != customReplicas {
				unhealthy = true
			}
			if e.cluster.UsableRegions > 1 && len(shard.SrcRemoteTeam) != customReplicas {
				unhealthy = true
			}
			if primarySize > e.cluster.StorageTeamSize {
				overReplicatedCount++
				if overReplicatedCount > e.cfg.LargeTeamsMax {
					unhealthy = true
				}
			}

			e.affected.Register(sub)
			e.affected.MoveShard(sub, []ddtypes.Team{shard.SrcPrimaryTeam, shard.SrcRemoteTeam})

			// Beyond MoveKeysParallelism concurrent has_dest recoveries,
			// fall back to whatever TeamUnhealthy/SplitShard reasoning
			// this sub-range already qualifies for on its own, rather
			// than letting an unbounded number of has_dest recoveries
			// run concurrently.
			hasDestRecover := shard.HasDest && shard.DstMoveID == ddtypes.AnonymousMoveID &&
				hasDestEmitted < e.cfg.MoveKeysParallelism

			shouldEmit := (e.cluster.LargeTeamsEnabled && (unhealthy || idx > 0)) || hasDestRecover
			if !shouldEmit {
				continue
			}
			if hasDestRecover {
				hasDestEmitted++
			}

			reason := ddtypes.ReasonRecoverMove
			priority := ddtypes.PriorityRecoverMove
			switch {
			case unhealthy:
				reason = ddtypes.ReasonTeamUnhealthy
				priority = ddtypes.PriorityTeamUnhealthy
			case idx > 0:
				reason = ddtypes.ReasonSplitShard
				priority = ddtypes.PrioritySplitShard
			}

			e.bus.Send(ddtypes.RelocateShard{
				Keys:       sub,
				Reason:     reason,
				Priority:   priority,
				DataMoveID: ddtypes.AnonymousMoveID,
				Cancelled:  false,
				Restore:    false,
			})
		}
		runtime.Gosched()
	}
	return nil
}

// splitByOverrides returns rng split at every override boundary that
// falls strictly inside it, in ascending order.
func splitByOverrides(rng ddtypes.KeyRange, overrides []ddtypes.ReplicationOverride) []ddtypes.KeyRange {
	boundaries := []ddtypes.Key{rng.Begin, rng.End}
	for _, o := range overrides {
		if o.Range.Begin.Compare(rng.Begin) > 0 && o.Range.Begin.Compare(rng.End) < 0 {
			boundaries = append(boundaries, o.Range.Begin)
		}
		if o.Range.End.Compare(rng.Begin) > 0 && o.Range.End.Compare(rng.End) < 0 {
			boundaries = append(boundaries, o.Range.End)
		}
	}
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].Compare(boundaries[j]) < 0 })

	deduped := boundaries[:0:0]
	for i, b := range boundaries {
		if i == 0 || b.Compare(boundaries[i-1]) != 0 {
			deduped = append(deduped, b)
		}
	}

	out := make([]ddtypes.KeyRange, 0, len(deduped)-1)
	for i := 0; i+1 < len(deduped); i++ {
		out = append(out, ddtypes.KeyRange{Begin: deduped[i], End: deduped[i+1]})
	}
	return out
}

// overrideFactorFor returns the replication factor of the override
// containing sub.Begin, or 0 if none applies.
func overrideFactorFor(sub ddtypes.KeyRange, overrides []ddtypes.ReplicationOverride) int {
	for _, o := range overrides {
		if o.Range.Contains(sub.Begin) {
			return o.ReplicationFactor
		}
	}
	return 0
}

// runPhaseB iterates the data-move map, applying the cancel/restore
// rules. Multi-range data moves only have their first range registered
// and emitted; see dderr.ErrMultiRangeDataMoveUnsupported and the
// open-question decision in DESIGN.md.
func (e *Engine) runPhaseB(ctx context.Context, initial distribution.Initial) error {
	for _, dm := range initial.DataMoves {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(dm.Ranges) == 0 {
			continue
		}
		first := dm.Ranges[0]

		if dm.Cancelled || (dm.Valid && !e.cluster.PhysicalShardEncodingEnabled) {
			e.bus.Send(ddtypes.RelocateShard{
				Keys:       first,
				Reason:     ddtypes.ReasonRecoverMove,
				Priority:   ddtypes.PriorityRecoverMove,
				DataMoveID: dm.ID,
				Cancelled:  true,
			})
			continue
		}

		if !dm.Valid {
			continue
		}

		if len(dm.Ranges) > 1 {
			e.log.Warn("data move has multiple ranges, only the first is re-registered", ddlog.Fields{
				"data_move_id": dm.ID, "ranges": len(dm.Ranges),
			})
		}

		e.affected.Register(first)
		e.affected.MoveShard(first, []ddtypes.Team{dm.PrimaryDest, dm.RemoteDest})

		e.bus.Send(ddtypes.RelocateShard{
			Keys:       first,
			Reason:     ddtypes.ReasonRecoverMove,
			Priority:   ddtypes.PriorityRecoverMove,
			DataMoveID: dm.ID,
			DataMove:   dm,
			Restore:    true,
		})
	}
	return nil
}

// runPhaseC launches a best-effort background sweep that clears every
// tombstoned data-move id in chunks of at most MaxTombstonesPerTxn, so a
// single durable transaction never grows unbounded; failures are logged
// but never rethrown except on context cancellation.
func (e *Engine) runPhaseC(ctx context.Context, initial distribution.Initial) {
	if len(initial.TombstonesToClean) == 0 {
		return
	}
	ids := append([]string(nil), initial.TombstonesToClean...)
	chunkSize := e.cfg.MaxTombstonesPerTxn
	if chunkSize <= 0 {
		chunkSize = len(ids)
	}
	go func() {
		for start := 0; start < len(ids); start += chunkSize {
			if ctx.Err() != nil {
				return
			}
			end := start + chunkSize
			if end > len(ids) {
				end = len(ids)
			}
			chunk := ids[start:end]
			if err := e.gateway.ClearDataMove(ctx, chunk, e.lock); err != nil {
				e.log.Error("failed to clear data move tombstone chunk", err, ddlog.Fields{"data_move_ids": chunk})
			}
		}
	}()
}
