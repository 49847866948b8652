// Package wiggle implements the storage-wiggle priority queue: the
// ordered set of storage servers eligible for rolling replacement,
// keyed by (ServerMetadata, ServerId) with the ordering from
// ddtypes.ServerMetadata.Less. No teacher example needs a priority
// queue directly, so this component is grounded on Go's container/heap
// (see DESIGN.md), combined with the exponentially-smoothed duration
// bookkeeping style of
// placementdriver/internal/server/reconciliation.go's
// RebalanceManager.trackMoveLatency/averageLatency.
package wiggle

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/tkvstore/datadistributor/internal/ddtypes"
)

// emaAlpha is the smoothing factor used for the round-duration EMA,
// matching the teacher's trackMoveLatency smoothing constant.
const emaAlpha = 0.3

type entry struct {
	server ddtypes.ServerId
	meta   ddtypes.ServerMetadata
	index  int
}

// minHeap orders entries by ddtypes.ServerMetadata.Less, ascending.
type minHeap []*entry

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].meta.Less(h[j].meta) }
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *minHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Stats is the round-level bookkeeping. The engine keeps it in memory
// only; nothing in this package reads it from or writes it to durable
// storage.
type Stats struct {
	LastStart       time.Time
	LastFinish      time.Time
	RoundsCompleted int64
	AvgRoundSeconds float64
}

// Engine is the mutable-key wiggle priority queue. The zero value is not
// usable; construct with New.
type Engine struct {
	mu sync.Mutex

	heap    minHeap
	byServer map[ddtypes.ServerId]*entry

	minimumAge time.Duration

	roundStartedAt time.Time
	inRound        bool
	stats          Stats
}

// New returns an empty Engine. minimumAge is the age threshold Next uses
// when necessaryOnly is set (ddconfig.DefaultWiggleMinimumAge in
// production).
func New(minimumAge time.Duration) *Engine {
	return &Engine{
		byServer:   make(map[ddtypes.ServerId]*entry),
		minimumAge: minimumAge,
	}
}

// Add inserts server with meta. Fails if server is already present,
// preserving invariant 5 (at most one entry per server).
func (e *Engine) Add(server ddtypes.ServerId, meta ddtypes.ServerMetadata) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.byServer[server]; ok {
		return fmt.Errorf("wiggle: server %q already present", server)
	}
	en := &entry{server: server, meta: meta}
	heap.Push(&e.heap, en)
	e.byServer[server] = en
	return nil
}

// Remove drops server if present; a no-op otherwise.
func (e *Engine) Remove(server ddtypes.ServerId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(server)
}

func (e *Engine) removeLocked(server ddtypes.ServerId) {
	en, ok := e.byServer[server]
	if !ok {
		return
	}
	heap.Remove(&e.heap, en.index)
	delete(e.byServer, server)
}

// Update re-keys server's metadata in place; a no-op if server is absent
// or meta is unchanged.
func (e *Engine) Update(server ddtypes.ServerId, meta ddtypes.ServerMetadata) {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.byServer[server]
	if !ok {
		return
	}
	if en.meta == meta {
		return
	}
	en.meta = meta
	heap.Fix(&e.heap, en.index)
}

// Len reports how many servers are currently queued.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heap.Len()
}

// Contains reports whether server is currently queued.
func (e *Engine) Contains(server ddtypes.ServerId) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byServer[server]
	return ok
}

// Next returns and removes the minimum entry. If necessaryOnly is set and
// the candidate is neither wrong_configured nor older than the minimum-age
// threshold, it returns ("", ServerMetadata{}, false) without popping.
func (e *Engine) Next(necessaryOnly bool) (ddtypes.ServerId, ddtypes.ServerMetadata, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.heap.Len() == 0 {
		return "", ddtypes.ServerMetadata{}, false
	}
	head := e.heap[0]
	if necessaryOnly && !head.meta.WrongConfigured && time.Since(head.meta.CreatedTime) < e.minimumAge {
		return "", ddtypes.ServerMetadata{}, false
	}

	popped := heap.Pop(&e.heap).(*entry)
	delete(e.byServer, popped.server)

	if e.heap.Len() == 0 && e.inRound {
		e.finishRoundLocked()
	}
	return popped.server, popped.meta, true
}

// StartWiggle marks the start of a wiggle round if the queue was empty
// when called, in line with a round beginning on a fresh, empty queue.
func (e *Engine) StartWiggle() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.LastStart = time.Now()
	if e.heap.Len() == 0 && !e.inRound {
		e.roundStartedAt = e.stats.LastStart
		e.inRound = true
	}
}

// FinishWiggle stamps the last-finish time. If the queue is empty, the
// round that began at the matching StartWiggle is considered finished and
// the duration EMA is updated.
func (e *Engine) FinishWiggle() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.LastFinish = time.Now()
	if e.heap.Len() == 0 && e.inRound {
		e.finishRoundLocked()
	}
}

func (e *Engine) finishRoundLocked() {
	elapsed := time.Since(e.roundStartedAt).Seconds()
	if e.stats.RoundsCompleted == 0 {
		e.stats.AvgRoundSeconds = elapsed
	} else {
		e.stats.AvgRoundSeconds = emaAlpha*elapsed + (1-emaAlpha)*e.stats.AvgRoundSeconds
	}
	e.stats.RoundsCompleted++
	e.inRound = false
}

// ResetStats zeroes the round bookkeeping, e.g. after an operator-driven
// reset.
func (e *Engine) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = Stats{}
	e.inRound = false
}

// RestoreStats overwrites the round bookkeeping with s as supplied by the
// caller; it does not load anything from durable storage itself.
func (e *Engine) RestoreStats(s Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = s
}

// StatsSnapshot returns a copy of the current round bookkeeping.
func (e *Engine) StatsSnapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
