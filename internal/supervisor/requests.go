package supervisor

import (
	"context"

	"github.com/tkvstore/datadistributor/internal/ddenabled"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/dderr"
	"github.com/tkvstore/datadistributor/internal/snapshot"
	"github.com/tkvstore/datadistributor/internal/wiggle"
)

// Request is implemented by every typed request in spec section 6's RPC
// surface; Handle dispatches on its concrete type.
type Request interface{ requestKind() string }

// HaltRequest asks the supervisor to stop its bootstrap loop cleanly.
type HaltRequest struct{}

func (HaltRequest) requestKind() string { return "halt" }

// HaltResponse is returned once the bootstrap loop has been told to stop.
type HaltResponse struct{}

// MetricsRequest asks for either the per-shard size vector or the median
// shard size.
type MetricsRequest struct {
	Keys       []ddtypes.Key
	ShardLimit int
	MidOnly    bool
}

func (MetricsRequest) requestKind() string { return "metrics" }

// MetricsResponse carries either ShardSizes or MedianShard, depending on
// MetricsRequest.MidOnly.
type MetricsResponse struct {
	ShardSizes  []int64
	MedianShard int64
}

// SnapshotRequest is a DistributorSnap call, forwarded to the
// snapshot.Orchestrator.
type SnapshotRequest struct {
	UID                      string
	Payload                  []byte
	Workers                  snapshot.StatefulWorkers
	TeamSize                 int
	MaxStorageFaultTolerance int
	MaxCoordFaultTolerance   int
}

func (SnapshotRequest) requestKind() string { return "snapshot" }

// SnapshotResponse carries the orchestration's result summary.
type SnapshotResponse struct {
	Result snapshot.SnapResult
}

// ExclusionSafetyCheckRequest asks whether excluding a set of addresses
// would still leave at least two healthy teams.
type ExclusionSafetyCheckRequest struct {
	Exclusions []string
}

func (ExclusionSafetyCheckRequest) requestKind() string { return "exclusion_safety_check" }

// ExclusionSafetyCheckResponse answers ExclusionSafetyCheckRequest.
type ExclusionSafetyCheckResponse struct {
	Safe bool
}

// WigglerStateRequest asks for each region's wiggle status.
type WigglerStateRequest struct{}

func (WigglerStateRequest) requestKind() string { return "wiggler_state" }

// WigglerStateResponse carries one Stats snapshot per region.
type WigglerStateResponse struct {
	States map[string]wiggle.Stats
}

// TriggerAuditRequest asks AuditEngine to launch (or dedup onto) an audit
// covering Range.
type TriggerAuditRequest struct {
	Type  ddtypes.AuditType
	Range ddtypes.KeyRange
}

func (TriggerAuditRequest) requestKind() string { return "trigger_audit" }

// TriggerAuditResponse carries the new or existing audit id.
type TriggerAuditResponse struct {
	ID string
}

// TenantsOverQuotaRequest asks for tenants currently over their storage
// quota.
type TenantsOverQuotaRequest struct{}

func (TenantsOverQuotaRequest) requestKind() string { return "tenants_over_quota" }

// TenantsOverQuotaResponse carries the tenant ids found.
type TenantsOverQuotaResponse struct {
	TenantIDs []string
}

// PrepareBlobRestoreRequest attempts to latch blob-restore-preparing under
// Owner, cross-excluding snapshot prep.
type PrepareBlobRestoreRequest struct {
	Owner string
}

func (PrepareBlobRestoreRequest) requestKind() string { return "prepare_blob_restore" }

// BlobRestorePrepStatus is the tri-state result of a PrepareBlobRestoreRequest,
// per spec section 6: SUCCESS, or one of two distinct conflict causes.
type BlobRestorePrepStatus int

const (
	BlobRestorePrepSuccess BlobRestorePrepStatus = iota
	BlobRestorePrepConflictBlobRestore
	BlobRestorePrepConflictSnapshot
)

// PrepareBlobRestoreResponse reports which latch, if any, blocked the
// request from acquiring blob-restore-preparing.
type PrepareBlobRestoreResponse struct {
	Status BlobRestorePrepStatus
}

type handleResult struct {
	resp any
	err  error
}

type requestEnvelope struct {
	req   Request
	reply chan handleResult
}

// Handle submits req to the generation goroutine currently servicing
// requests and blocks for its response. This is the in-process stand-in
// for the original's Flow-RPC request actors; RPC transport wiring is out
// of scope.
func (s *Supervisor) Handle(ctx context.Context, req Request) (any, error) {
	reply := make(chan handleResult, 1)
	select {
	case s.requests <- requestEnvelope{req: req, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serveRequests drains s.requests for the lifetime of one generation,
// dispatching each request serially against gen's state. A HaltRequest
// ends the loop and signals errCh with errHalted so Run's bootstrap loop
// stops instead of re-bootstrapping.
func (s *Supervisor) serveRequests(ctx context.Context, gen *generation, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.requests:
			if _, halt := env.req.(HaltRequest); halt {
				env.reply <- handleResult{resp: HaltResponse{}}
				select {
				case errCh <- errHalted:
				default:
				}
				return
			}
			resp, err := s.dispatch(ctx, gen, env.req)
			env.reply <- handleResult{resp: resp, err: err}
		}
	}
}

// dispatch implements the per-request-type logic of section 6's RPC
// surface against the current generation.
func (s *Supervisor) dispatch(ctx context.Context, gen *generation, req Request) (any, error) {
	switch r := req.(type) {
	case MetricsRequest:
		return s.handleMetrics(ctx, r)
	case SnapshotRequest:
		result, err := s.snap.Run(ctx, snapshot.SnapReq{UID: r.UID, Payload: r.Payload}, r.Workers, r.TeamSize, r.MaxStorageFaultTolerance, r.MaxCoordFaultTolerance)
		return SnapshotResponse{Result: result}, err
	case ExclusionSafetyCheckRequest:
		return s.handleExclusionSafetyCheck(ctx, r)
	case WigglerStateRequest:
		states := make(map[string]wiggle.Stats, len(gen.wiggles))
		for region, engine := range gen.wiggles {
			states[region] = engine.StatsSnapshot()
		}
		return WigglerStateResponse{States: states}, nil
	case TriggerAuditRequest:
		id, err := gen.audits.Launch(ctx, r.Range, r.Type)
		return TriggerAuditResponse{ID: id}, err
	case TenantsOverQuotaRequest:
		if s.tenants == nil {
			return TenantsOverQuotaResponse{}, nil
		}
		ids, err := s.tenants.TenantsOverQuota(ctx)
		return TenantsOverQuotaResponse{TenantIDs: ids}, err
	case PrepareBlobRestoreRequest:
		switch s.enabled.TryBeginBlobRestorePrep(r.Owner) {
		case ddenabled.PrepConflictSnapshot:
			return PrepareBlobRestoreResponse{Status: BlobRestorePrepConflictSnapshot}, nil
		case ddenabled.PrepConflictBlobRestore:
			return PrepareBlobRestoreResponse{Status: BlobRestorePrepConflictBlobRestore}, nil
		default:
			return PrepareBlobRestoreResponse{Status: BlobRestorePrepSuccess}, nil
		}
	default:
		return nil, dderr.New(dderr.CodeNotImplemented)
	}
}

func (s *Supervisor) handleMetrics(ctx context.Context, r MetricsRequest) (any, error) {
	if s.sizes == nil {
		return nil, dderr.New(dderr.CodeNotImplemented)
	}
	sizes, err := s.sizes.ShardSizes(ctx, r.Keys)
	if err != nil {
		return nil, err
	}
	if r.ShardLimit > 0 && len(sizes) > r.ShardLimit {
		sizes = sizes[:r.ShardLimit]
	}
	if !r.MidOnly {
		return MetricsResponse{ShardSizes: sizes}, nil
	}
	return MetricsResponse{MedianShard: medianOf(sizes)}, nil
}

// medianOf returns the median by partial-sort around the middle element,
// matching the original's nth_element-style selection.
func medianOf(sizes []int64) int64 {
	if len(sizes) == 0 {
		return 0
	}
	sorted := append([]int64(nil), sizes...)
	mid := len(sorted) / 2
	quickselect(sorted, mid)
	return sorted[mid]
}

func quickselect(a []int64, k int) {
	lo, hi := 0, len(a)-1
	for lo < hi {
		pivot := a[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for a[i] < pivot {
				i++
			}
			for a[j] > pivot {
				j--
			}
			if i <= j {
				a[i], a[j] = a[j], a[i]
				i++
				j--
			}
		}
		if k <= j {
			hi = j
		} else if k >= i {
			lo = i
		} else {
			return
		}
	}
}

func (s *Supervisor) handleExclusionSafetyCheck(ctx context.Context, r ExclusionSafetyCheckRequest) (any, error) {
	if s.healthy == nil {
		return ExclusionSafetyCheckResponse{Safe: false}, nil
	}
	count, err := s.healthy.HealthyTeamCount(ctx, r.Exclusions)
	if err != nil {
		return nil, err
	}
	return ExclusionSafetyCheckResponse{Safe: count > 1}, nil
}
