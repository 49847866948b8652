// Package distribution holds the InitialDistribution value type: the
// one-shot snapshot of shards, data-moves, and audit states the
// ResumeEngine consumes to reconstruct in-memory placement state.
package distribution

import "github.com/tkvstore/datadistributor/internal/ddtypes"

// Mode is the DD-enabled flag captured at snapshot time.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeEnabled
)

// Initial is produced once per bootstrap generation by
// internal/durable.Gateway.LoadInitialDistribution. The zero value is an
// empty, disabled distribution.
type Initial struct {
	// Shards is the ordered shard list; the last entry is always the
	// sentinel marking the end of the tiled keyspace (invariant 1).
	Shards []ddtypes.ShardInfo

	// DataMoves is keyed by DataMove.ID.
	DataMoves map[string]*ddtypes.DataMove

	// AuditStates lists every non-terminal durable audit at snapshot time.
	AuditStates []ddtypes.AuditState

	// TombstonesToClean lists data-move ids whose durable record should be
	// deleted by ResumeEngine's Phase C background sweep.
	TombstonesToClean []string

	// RangeOverrides is sorted ascending by Range.Begin and must not
	// contain overlapping ranges.
	RangeOverrides []ddtypes.ReplicationOverride

	Mode Mode
}

// Empty reports whether the distribution carries no real shards, i.e. it
// is either genuinely empty or contains only the sentinel entry.
func (i Initial) Empty() bool {
	return len(i.Shards) <= 1
}

// OverrideFor returns the replication override whose range contains k, if
// any. RangeOverrides is assumed sorted and non-overlapping.
func (i Initial) OverrideFor(k ddtypes.Key) (ddtypes.ReplicationOverride, bool) {
	for _, o := range i.RangeOverrides {
		if o.Range.Contains(k) {
			return o, true
		}
	}
	return ddtypes.ReplicationOverride{}, false
}
