// Package durable implements the data distributor's gateway onto the
// cluster's external transactional key-value store: the move-keys fencing
// lock, cluster configuration, the one-shot initial distribution snapshot,
// and the handful of durable mutations (failed-server key removal, audit
// state, recovery flag) that must survive a supervisor restart.
//
// The shipped implementation backs TxnProcessor with
// go.etcd.io/etcd/client/v3, the same transactional-store client the
// teacher's auth service uses (auth/service/internal/etcd/client.go):
// fencing is implemented with etcd's Txn/Compare/If/Then exactly the way
// that package guards its API-key writes.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tkvstore/datadistributor/internal/ddconfig"
	"github.com/tkvstore/datadistributor/internal/ddlog"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
	"github.com/tkvstore/datadistributor/internal/dderr"
	"github.com/tkvstore/datadistributor/internal/distribution"
	"github.com/tkvstore/datadistributor/internal/lock"
	"github.com/tkvstore/datadistributor/internal/retry"
)

// TxnProcessor is the minimal KV surface the gateway needs from the
// external transactional store. go.etcd.io/etcd/client/v3.KV, and hence
// *clientv3.Client, already satisfies this; tests substitute an in-memory
// fake.
type TxnProcessor interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

// ClusterConfig is the durable cluster configuration the gateway loads at
// bootstrap: replication shape and whether the distributor is allowed to
// run at all.
type ClusterConfig struct {
	StorageTeamSize             int
	UsableRegions               int
	LargeTeamsEnabled           bool
	PhysicalShardEncodingEnabled bool
	DDEnabled                   bool
}

// Gateway is the data distributor's view of durable storage. Every
// method that mutates placement metadata takes the caller's current
// lock.MoveKeysLock and fails with dderr.CodeMoveKeysConflict if another
// owner has since taken the lock.
type Gateway interface {
	TakeLock(ctx context.Context, owner string) (lock.MoveKeysLock, error)
	PollLock(ctx context.Context, l lock.MoveKeysLock) error

	LoadConfiguration(ctx context.Context) (ClusterConfig, error)
	LoadInitialDistribution(ctx context.Context, l lock.MoveKeysLock) (distribution.Initial, error)

	RemoveKeysFromFailedServer(ctx context.Context, id ddtypes.ServerId, backupTeam ddtypes.Team, l lock.MoveKeysLock) error
	RemoveStorageServer(ctx context.Context, id ddtypes.ServerId, tssPair *ddtypes.ServerId, l lock.MoveKeysLock) error

	PersistAuditState(ctx context.Context, state ddtypes.AuditState, server ddtypes.ServerId, l lock.MoveKeysLock) error
	PersistNewAuditState(ctx context.Context, state ddtypes.AuditState, server ddtypes.ServerId, l lock.MoveKeysLock) (string, error)
	GetAuditStateByRange(ctx context.Context, typ ddtypes.AuditType, r ddtypes.KeyRange) ([]ddtypes.AuditState, error)
	GetAuditStateByServer(ctx context.Context, typ ddtypes.AuditType, server ddtypes.ServerId, r ddtypes.KeyRange) ([]ddtypes.AuditState, error)

	ClearDataMove(ctx context.Context, ids []string, l lock.MoveKeysLock) error

	WriteRecoveryFlag(ctx context.Context) error
	ClearRecoveryFlag(ctx context.Context) error
}

const (
	keyLock       = "lock"
	keyConfig     = "config"
	keyRecovery   = "recovery"
	prefixShard   = "shards/"
	prefixMove    = "datamoves/"
	prefixAudit   = "audit/"
	prefixTomb    = "tombstones/"
	prefixOverride = "overrides/"
)

// EtcdGateway is the Gateway implementation backed by TxnProcessor.
type EtcdGateway struct {
	kv     TxnProcessor
	prefix string
	log    ddlog.Logger
	policy retry.Policy
}

// NewEtcdGateway returns a Gateway whose durable state lives under
// keyPrefix (e.g. "/dd/cluster-a/") in kv. cfg's TransientRetryBackoff
// and TransientRetryMax set the policy used to retry transient
// conflicts; the zero Config falls back to ddconfig.New()'s defaults.
func NewEtcdGateway(kv TxnProcessor, keyPrefix string, log ddlog.Logger, cfg ddconfig.Config) *EtcdGateway {
	if log == nil {
		log = ddlog.Nop()
	}
	if !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}
	if cfg.TransientRetryMax == 0 {
		cfg = ddconfig.New()
	}
	policy := retry.DefaultPolicy()
	policy.InitialBackoff = cfg.TransientRetryBackoff
	policy.MaxAttempts = cfg.TransientRetryMax
	return &EtcdGateway{kv: kv, prefix: keyPrefix, log: log.With(ddlog.Fields{"component": "durable"}), policy: policy}
}

func (g *EtcdGateway) key(parts ...string) string {
	return g.prefix + strings.Join(parts, "")
}

// isTransient classifies etcd/network errors that are safe to retry;
// lock-fencing failures and context cancellation are never retried.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var dd *dderr.DDError
	if errors.As(err, &dd) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (g *EtcdGateway) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, g.policy, isTransient, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
}

type lockRecord struct {
	Owner   string `json:"owner"`
	Version int64  `json:"version"`
}

// TakeLock unconditionally takes over the move-keys lock under owner,
// fencing out whoever held it before. The write is conditioned on the lock
// key being unchanged since the read used to compute PrevOwner/PrevWrite;
// if another writer changed it in between, the take is retried with a
// fresh read under the gateway's retry policy. The returned MyOwner is
// always owner, so the in-memory token matches exactly what's persisted
// and polled.
func (g *EtcdGateway) TakeLock(ctx context.Context, owner string) (lock.MoveKeysLock, error) {
	var out lock.MoveKeysLock
	err := g.retry(ctx, func(ctx context.Context) error {
		resp, err := g.kv.Get(ctx, g.key(keyLock))
		if err != nil {
			return fmt.Errorf("durable: read lock: %w", err)
		}
		var prev lockRecord
		var modRev int64
		if len(resp.Kvs) > 0 {
			if err := json.Unmarshal(resp.Kvs[0].Value, &prev); err != nil {
				return fmt.Errorf("durable: decode lock record: %w", err)
			}
			modRev = resp.Kvs[0].ModRevision
		}

		next := lockRecord{Owner: owner, Version: prev.Version + 1}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("durable: encode lock record: %w", err)
		}

		txn := g.kv.Txn(ctx)
		if modRev > 0 {
			txn = txn.If(clientv3.Compare(clientv3.ModRevision(g.key(keyLock)), "=", modRev))
		} else {
			txn = txn.If(clientv3.Compare(clientv3.CreateRevision(g.key(keyLock)), "=", 0))
		}
		txn = txn.Then(clientv3.OpPut(g.key(keyLock), string(payload)))
		resp2, err := txn.Commit()
		if err != nil {
			return fmt.Errorf("durable: commit lock: %w", err)
		}
		if !resp2.Succeeded {
			// Someone else raced the same read; retry with a fresh read.
			return fmt.Errorf("durable: lock take raced, retrying")
		}

		out = lock.MoveKeysLock{MyOwner: next.Owner, PrevOwner: prev.Owner, PrevWrite: prev.Version}
		return nil
	})
	if err != nil {
		return lock.MoveKeysLock{}, err
	}
	g.log.Info("took move-keys lock", ddlog.Fields{"owner": out.MyOwner, "prev_owner": out.PrevOwner})
	return out, nil
}

// PollLock reports dderr.CodeMoveKeysConflict if l.MyOwner is no longer
// the durable lock owner.
func (g *EtcdGateway) PollLock(ctx context.Context, l lock.MoveKeysLock) error {
	resp, err := g.kv.Get(ctx, g.key(keyLock))
	if err != nil {
		return fmt.Errorf("durable: poll lock: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return dderr.New(dderr.CodeMoveKeysConflict)
	}
	var rec lockRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return fmt.Errorf("durable: decode lock record: %w", err)
	}
	if rec.Owner != l.MyOwner {
		return dderr.New(dderr.CodeMoveKeysConflict)
	}
	return nil
}

// checkLock is a convenience used by every mutating method below: it
// re-reads the lock inline so a fencing loss is caught before the write
// rather than only on the next periodic poll.
func (g *EtcdGateway) checkLock(ctx context.Context, l lock.MoveKeysLock) error {
	return g.PollLock(ctx, l)
}

func (g *EtcdGateway) LoadConfiguration(ctx context.Context) (ClusterConfig, error) {
	resp, err := g.kv.Get(ctx, g.key(keyConfig))
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("durable: load configuration: %w", err)
	}
	cfg := ClusterConfig{StorageTeamSize: 3, UsableRegions: 1, DDEnabled: true}
	if len(resp.Kvs) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, &cfg); err != nil {
		return ClusterConfig{}, fmt.Errorf("durable: decode configuration: %w", err)
	}
	return cfg, nil
}

type shardRecord struct {
	KeyBegin       []byte `json:"key_begin"`
	SrcPrimaryTeam []string `json:"src_primary_team"`
	SrcRemoteTeam  []string `json:"src_remote_team"`
	DstPrimaryTeam []string `json:"dst_primary_team,omitempty"`
	DstRemoteTeam  []string `json:"dst_remote_team,omitempty"`
	HasDest        bool     `json:"has_dest"`
	SrcMoveID      string   `json:"src_move_id,omitempty"`
	DstMoveID      string   `json:"dst_move_id,omitempty"`
}

func toTeam(ids []string) ddtypes.Team {
	t := make(ddtypes.Team, len(ids))
	for i, id := range ids {
		t[i] = ddtypes.ServerId(id)
	}
	return t
}

func fromTeam(t ddtypes.Team) []string {
	out := make([]string, len(t))
	for i, id := range t {
		out[i] = string(id)
	}
	return out
}

func (r shardRecord) toShardInfo() ddtypes.ShardInfo {
	return ddtypes.ShardInfo{
		KeyBegin:       ddtypes.Key(r.KeyBegin),
		SrcPrimaryTeam: toTeam(r.SrcPrimaryTeam),
		SrcRemoteTeam:  toTeam(r.SrcRemoteTeam),
		DstPrimaryTeam: toTeam(r.DstPrimaryTeam),
		DstRemoteTeam:  toTeam(r.DstRemoteTeam),
		HasDest:        r.HasDest,
		SrcMoveID:      r.SrcMoveID,
		DstMoveID:      r.DstMoveID,
	}
}

func fromShardInfo(s ddtypes.ShardInfo) shardRecord {
	return shardRecord{
		KeyBegin:       []byte(s.KeyBegin),
		SrcPrimaryTeam: fromTeam(s.SrcPrimaryTeam),
		SrcRemoteTeam:  fromTeam(s.SrcRemoteTeam),
		DstPrimaryTeam: fromTeam(s.DstPrimaryTeam),
		DstRemoteTeam:  fromTeam(s.DstRemoteTeam),
		HasDest:        s.HasDest,
		SrcMoveID:      s.SrcMoveID,
		DstMoveID:      s.DstMoveID,
	}
}

type dataMoveRecord struct {
	ID          string     `json:"id"`
	Ranges      [][2][]byte `json:"ranges"`
	PrimaryDest []string   `json:"primary_dest"`
	RemoteDest  []string   `json:"remote_dest"`
	Valid       bool       `json:"valid"`
	Cancelled   bool       `json:"cancelled"`
}

func (r dataMoveRecord) toDataMove() *ddtypes.DataMove {
	ranges := make([]ddtypes.KeyRange, len(r.Ranges))
	for i, pair := range r.Ranges {
		ranges[i] = ddtypes.KeyRange{Begin: ddtypes.Key(pair[0]), End: ddtypes.Key(pair[1])}
	}
	return &ddtypes.DataMove{
		ID:          r.ID,
		Ranges:      ranges,
		PrimaryDest: toTeam(r.PrimaryDest),
		RemoteDest:  toTeam(r.RemoteDest),
		Valid:       r.Valid,
		Cancelled:   r.Cancelled,
	}
}

type auditRecord struct {
	ID     string `json:"id"`
	Type   int    `json:"type"`
	Begin  []byte `json:"begin"`
	End    []byte `json:"end"`
	Phase  int    `json:"phase"`
	Server string `json:"server,omitempty"`
}

func (r auditRecord) toAuditState() ddtypes.AuditState {
	return ddtypes.AuditState{
		ID:    r.ID,
		Type:  ddtypes.AuditType(r.Type),
		Range: ddtypes.KeyRange{Begin: ddtypes.Key(r.Begin), End: ddtypes.Key(r.End)},
		Phase: ddtypes.AuditPhase(r.Phase),
	}
}

type overrideRecord struct {
	Begin             []byte `json:"begin"`
	End               []byte `json:"end"`
	ReplicationFactor int    `json:"replication_factor"`
}

// LoadInitialDistribution reads the full durable placement snapshot in one
// pass: shards (sorted by KeyBegin), in-flight data moves, non-terminal
// audit states, pending tombstones, and replication overrides.
func (g *EtcdGateway) LoadInitialDistribution(ctx context.Context, l lock.MoveKeysLock) (distribution.Initial, error) {
	if err := g.checkLock(ctx, l); err != nil {
		return distribution.Initial{}, err
	}

	var out distribution.Initial
	out.DataMoves = make(map[string]*ddtypes.DataMove)

	shardResp, err := g.kv.Get(ctx, g.key(prefixShard), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return distribution.Initial{}, fmt.Errorf("durable: load shards: %w", err)
	}
	for _, kv := range shardResp.Kvs {
		var rec shardRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return distribution.Initial{}, fmt.Errorf("durable: decode shard %q: %w", kv.Key, err)
		}
		out.Shards = append(out.Shards, rec.toShardInfo())
	}

	moveResp, err := g.kv.Get(ctx, g.key(prefixMove), clientv3.WithPrefix())
	if err != nil {
		return distribution.Initial{}, fmt.Errorf("durable: load data moves: %w", err)
	}
	for _, kv := range moveResp.Kvs {
		var rec dataMoveRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return distribution.Initial{}, fmt.Errorf("durable: decode data move %q: %w", kv.Key, err)
		}
		out.DataMoves[rec.ID] = rec.toDataMove()
	}

	auditResp, err := g.kv.Get(ctx, g.key(prefixAudit), clientv3.WithPrefix())
	if err != nil {
		return distribution.Initial{}, fmt.Errorf("durable: load audit states: %w", err)
	}
	for _, kv := range auditResp.Kvs {
		var rec auditRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return distribution.Initial{}, fmt.Errorf("durable: decode audit state %q: %w", kv.Key, err)
		}
		state := rec.toAuditState()
		if !state.Phase.Terminal() {
			out.AuditStates = append(out.AuditStates, state)
		}
	}

	tombResp, err := g.kv.Get(ctx, g.key(prefixTomb), clientv3.WithPrefix())
	if err != nil {
		return distribution.Initial{}, fmt.Errorf("durable: load tombstones: %w", err)
	}
	for _, kv := range tombResp.Kvs {
		out.TombstonesToClean = append(out.TombstonesToClean, strings.TrimPrefix(string(kv.Key), g.key(prefixTomb)))
	}

	overrideResp, err := g.kv.Get(ctx, g.key(prefixOverride), clientv3.WithPrefix())
	if err != nil {
		return distribution.Initial{}, fmt.Errorf("durable: load replication overrides: %w", err)
	}
	var overrides []ddtypes.ReplicationOverride
	for _, kv := range overrideResp.Kvs {
		var rec overrideRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return distribution.Initial{}, fmt.Errorf("durable: decode override %q: %w", kv.Key, err)
		}
		overrides = append(overrides, ddtypes.ReplicationOverride{
			Range:             ddtypes.KeyRange{Begin: ddtypes.Key(rec.Begin), End: ddtypes.Key(rec.End)},
			ReplicationFactor: rec.ReplicationFactor,
		})
	}
	sort.Slice(overrides, func(i, j int) bool {
		return overrides[i].Range.Begin.Compare(overrides[j].Range.Begin) < 0
	})
	out.RangeOverrides = overrides

	cfg, err := g.LoadConfiguration(ctx)
	if err != nil {
		return distribution.Initial{}, err
	}
	if cfg.DDEnabled {
		out.Mode = distribution.ModeEnabled
	} else {
		out.Mode = distribution.ModeDisabled
	}
	return out, nil
}

// RemoveKeysFromFailedServer drops id from every team it appears in
// across the durable shard map, so the resume/audit engines observe an
// under-replicated team on the next pass rather than continuing to route
// work at a server that is gone for good. backupTeam is recorded for
// logging only; ResumeEngine decides how the vacancy gets filled.
func (g *EtcdGateway) RemoveKeysFromFailedServer(ctx context.Context, id ddtypes.ServerId, backupTeam ddtypes.Team, l lock.MoveKeysLock) error {
	if err := g.checkLock(ctx, l); err != nil {
		return err
	}
	return g.retry(ctx, func(ctx context.Context) error {
		resp, err := g.kv.Get(ctx, g.key(prefixShard), clientv3.WithPrefix())
		if err != nil {
			return fmt.Errorf("durable: read shards: %w", err)
		}
		var ops []clientv3.Op
		for _, kv := range resp.Kvs {
			var rec shardRecord
			if err := json.Unmarshal(kv.Value, &rec); err != nil {
				return fmt.Errorf("durable: decode shard %q: %w", kv.Key, err)
			}
			changed := false
			rec.SrcPrimaryTeam, changed = removeFromTeam(rec.SrcPrimaryTeam, string(id), changed)
			rec.SrcRemoteTeam, changed = removeFromTeam(rec.SrcRemoteTeam, string(id), changed)
			rec.DstPrimaryTeam, changed = removeFromTeam(rec.DstPrimaryTeam, string(id), changed)
			rec.DstRemoteTeam, changed = removeFromTeam(rec.DstRemoteTeam, string(id), changed)
			if !changed {
				continue
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("durable: encode shard %q: %w", kv.Key, err)
			}
			ops = append(ops, clientv3.OpPut(string(kv.Key), string(payload)))
		}
		if len(ops) == 0 {
			return nil
		}
		if err := g.commitFenced(ctx, l, ops); err != nil {
			return err
		}
		g.log.Info("removed failed server from shard map", ddlog.Fields{
			"server": string(id), "backup_team_size": len(backupTeam), "shards_touched": len(ops),
		})
		return nil
	})
}

func removeFromTeam(ids []string, id string, changed bool) ([]string, bool) {
	out := make([]string, 0, len(ids))
	for _, x := range ids {
		if x == id {
			changed = true
			continue
		}
		out = append(out, x)
	}
	return out, changed
}

// RemoveStorageServer deletes id's durable server metadata, and its
// tss pair's if paired, as the final step of server decommissioning.
func (g *EtcdGateway) RemoveStorageServer(ctx context.Context, id ddtypes.ServerId, tssPair *ddtypes.ServerId, l lock.MoveKeysLock) error {
	if err := g.checkLock(ctx, l); err != nil {
		return err
	}
	return g.retry(ctx, func(ctx context.Context) error {
		ops := []clientv3.Op{clientv3.OpDelete(g.key("servermeta/", string(id)))}
		if tssPair != nil {
			ops = append(ops, clientv3.OpDelete(g.key("servermeta/", string(*tssPair))))
		}
		return g.commitFenced(ctx, l, ops)
	})
}

// PersistAuditState overwrites an existing audit record in place.
func (g *EtcdGateway) PersistAuditState(ctx context.Context, state ddtypes.AuditState, server ddtypes.ServerId, l lock.MoveKeysLock) error {
	if state.ID == "" {
		return fmt.Errorf("durable: persist audit state: empty id")
	}
	if err := g.checkLock(ctx, l); err != nil {
		return err
	}
	return g.retry(ctx, func(ctx context.Context) error {
		return g.putAudit(ctx, state, server)
	})
}

// PersistNewAuditState assigns a fresh id and persists the initial record.
func (g *EtcdGateway) PersistNewAuditState(ctx context.Context, state ddtypes.AuditState, server ddtypes.ServerId, l lock.MoveKeysLock) (string, error) {
	if err := g.checkLock(ctx, l); err != nil {
		return "", err
	}
	state.ID = uuid.NewString()
	err := g.retry(ctx, func(ctx context.Context) error {
		return g.putAudit(ctx, state, server)
	})
	if err != nil {
		return "", err
	}
	return state.ID, nil
}

func (g *EtcdGateway) putAudit(ctx context.Context, state ddtypes.AuditState, server ddtypes.ServerId) error {
	rec := auditRecord{
		ID:     state.ID,
		Type:   int(state.Type),
		Begin:  []byte(state.Range.Begin),
		End:    []byte(state.Range.End),
		Phase:  int(state.Phase),
		Server: string(server),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("durable: encode audit state: %w", err)
	}
	if _, err := g.kv.Put(ctx, g.key(prefixAudit, state.ID), string(payload)); err != nil {
		return fmt.Errorf("durable: put audit state: %w", err)
	}
	return nil
}

func (g *EtcdGateway) GetAuditStateByRange(ctx context.Context, typ ddtypes.AuditType, r ddtypes.KeyRange) ([]ddtypes.AuditState, error) {
	resp, err := g.kv.Get(ctx, g.key(prefixAudit), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("durable: load audit states: %w", err)
	}
	var out []ddtypes.AuditState
	for _, kv := range resp.Kvs {
		var rec auditRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("durable: decode audit state %q: %w", kv.Key, err)
		}
		if ddtypes.AuditType(rec.Type) != typ {
			continue
		}
		state := rec.toAuditState()
		if state.Range.Overlaps(r) {
			out = append(out, state)
		}
	}
	return out, nil
}

// GetAuditStateByServer narrows GetAuditStateByRange to audits that were
// scheduled against a specific storage server; the server tag is recorded
// alongside each audit record at persist time rather than on
// ddtypes.AuditState itself, since most audit types are not server-scoped.
func (g *EtcdGateway) GetAuditStateByServer(ctx context.Context, typ ddtypes.AuditType, server ddtypes.ServerId, r ddtypes.KeyRange) ([]ddtypes.AuditState, error) {
	resp, err := g.kv.Get(ctx, g.key(prefixAudit), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("durable: load audit states: %w", err)
	}
	var out []ddtypes.AuditState
	for _, kv := range resp.Kvs {
		var rec auditRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("durable: decode audit state %q: %w", kv.Key, err)
		}
		if ddtypes.AuditType(rec.Type) != typ || rec.Server != string(server) {
			continue
		}
		state := rec.toAuditState()
		if state.Range.Overlaps(r) {
			out = append(out, state)
		}
	}
	return out, nil
}

// ClearDataMove deletes a chunk of data moves' durable records and drops
// any pending tombstone for each, in one transaction; called once
// ResumeEngine has confirmed the moves are no longer referenced by any
// shard. Callers are responsible for keeping len(ids) within
// ddconfig.Config.MaxTombstonesPerTxn so a single transaction never grows
// unbounded.
func (g *EtcdGateway) ClearDataMove(ctx context.Context, ids []string, l lock.MoveKeysLock) error {
	if err := g.checkLock(ctx, l); err != nil {
		return err
	}
	ops := make([]clientv3.Op, 0, 2*len(ids))
	for _, id := range ids {
		ops = append(ops, clientv3.OpDelete(g.key(prefixMove, id)), clientv3.OpDelete(g.key(prefixTomb, id)))
	}
	return g.retry(ctx, func(ctx context.Context) error {
		return g.commitFenced(ctx, l, ops)
	})
}

// WriteRecoveryFlag marks the durable store as "recovery in progress".
// Written by SnapshotOrchestrator around its fan-out (§4.7); cleared only
// after a successful orchestration, so a failed one leaves it set.
func (g *EtcdGateway) WriteRecoveryFlag(ctx context.Context) error {
	_, err := g.kv.Put(ctx, g.key(keyRecovery), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("durable: write recovery flag: %w", err)
	}
	return nil
}

func (g *EtcdGateway) ClearRecoveryFlag(ctx context.Context) error {
	_, err := g.kv.Delete(ctx, g.key(keyRecovery))
	if err != nil {
		return fmt.Errorf("durable: clear recovery flag: %w", err)
	}
	return nil
}

// commitFenced applies ops only if the move-keys lock still reads as
// l.MyOwner at commit time, so a lost-lock race never lands a stale
// write.
func (g *EtcdGateway) commitFenced(ctx context.Context, l lock.MoveKeysLock, ops []clientv3.Op) error {
	resp, err := g.kv.Get(ctx, g.key(keyLock))
	if err != nil {
		return fmt.Errorf("durable: read lock before commit: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return dderr.New(dderr.CodeMoveKeysConflict)
	}
	modRev := resp.Kvs[0].ModRevision

	txn := g.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(g.key(keyLock)), "=", modRev)).
		Then(ops...)
	commitResp, err := txn.Commit()
	if err != nil {
		return fmt.Errorf("durable: commit: %w", err)
	}
	if !commitResp.Succeeded {
		return dderr.New(dderr.CodeMoveKeysConflict)
	}
	return nil
}
