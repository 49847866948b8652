// Package relocation implements the RelocationBus: an unbounded,
// order-preserving, single-producer/single-consumer stream of
// ddtypes.RelocateShard between the supervisor (producer) and the
// external shard tracker/queue (consumer).
//
// Grounded on the teacher's shardUpdateChan/StartHeartbeatLoop
// producer-consumer idiom (the commented-out
// placementdrivertest/integration_test.go) and
// worker/internal/shard/manager.go's ShardManager.SyncShards. A Go
// channel cannot be unbounded, so the bus is a growable queue guarded by
// sync.Mutex + sync.Cond instead (see DESIGN.md); Bridge supplies the
// "yield stage" fairness the original cooperative scheduler's yield
// points gave for free.
package relocation

import (
	"context"
	"runtime"
	"sync"

	"github.com/tkvstore/datadistributor/internal/ddmetrics"
	"github.com/tkvstore/datadistributor/internal/ddtypes"
)

// Bus is an unbounded FIFO of RelocateShard. The zero value is not
// usable; construct with New.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []ddtypes.RelocateShard
	closed  bool
	metrics ddmetrics.Collector

	// watermark is the high-water mark of Len(), the logical backpressure
	// signal the consumer can poll instead of a bounded channel's
	// send-blocks-on-full behavior.
	watermark int
}

// New returns an empty Bus that discards metrics.
func New() *Bus {
	return NewWithMetrics(ddmetrics.Nop{})
}

// NewWithMetrics returns an empty Bus that reports Send/queue-depth
// metrics to metrics.
func NewWithMetrics(metrics ddmetrics.Collector) *Bus {
	if metrics == nil {
		metrics = ddmetrics.Nop{}
	}
	b := &Bus{metrics: metrics}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send enqueues item. Each call enqueues item at most once and never
// duplicates it; on a closed bus the item is dropped.
func (b *Bus) Send(item ddtypes.RelocateShard) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.metrics.IncCounter("relocations_emitted_total", map[string]string{"reason": item.Reason.String()})
	b.items = append(b.items, item)
	if len(b.items) > b.watermark {
		b.watermark = len(b.items)
		b.metrics.SetGauge("relocation_queue_watermark", nil, float64(b.watermark))
	}
	b.cond.Signal()
}

// Recv blocks until an item is available, the bus is closed, or ctx is
// cancelled. ok is false when the bus is closed and drained, or when ctx
// is cancelled while the bus is empty.
func (b *Bus) Recv(ctx context.Context) (item ddtypes.RelocateShard, ok bool) {
	done := make(chan struct{})
	defer close(done)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				b.cond.Broadcast()
				b.mu.Unlock()
			case <-done:
			}
		}()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 && !b.closed {
		if ctx != nil && ctx.Err() != nil {
			return ddtypes.RelocateShard{}, false
		}
		b.cond.Wait()
	}
	if len(b.items) == 0 {
		return ddtypes.RelocateShard{}, false
	}
	item = b.items[0]
	b.items = b.items[1:]
	return item, true
}

// Len reports the number of items currently queued (not the watermark).
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Watermark reports the high-water mark Len() has reached since
// construction or the last ResetWatermark.
func (b *Bus) Watermark() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watermark
}

// ResetWatermark zeroes the high-water mark.
func (b *Bus) ResetWatermark() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watermark = 0
}

// Close marks the bus closed; queued items already sent remain available
// to Recv, but no further Send calls are accepted and Recv returns
// ok=false once drained.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Bridge is the "yield stage" between an internal producer queue and the
// bus: it pumps one item at a time with a runtime.Gosched() between
// sends, so FIFO delivery is preserved and no single producer burst
// starves other scheduled work, mirroring the cooperative scheduler's
// yield points (spec §5 ordering guarantee: "every relocate ... reaches
// the queue in FIFO order via the yield bridge").
type Bridge struct {
	bus *Bus
	in  chan ddtypes.RelocateShard
}

// NewBridge returns a Bridge that forwards onto bus. Callers push work
// via Push and must call Run (typically in its own goroutine) to start
// forwarding.
func NewBridge(bus *Bus) *Bridge {
	return &Bridge{bus: bus, in: make(chan ddtypes.RelocateShard, 1)}
}

// Push enqueues item for forwarding; blocks only while the bridge's
// internal single-slot buffer is full, preserving producer order.
func (br *Bridge) Push(ctx context.Context, item ddtypes.RelocateShard) error {
	select {
	case br.in <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run forwards items from Push to the bus until ctx is cancelled,
// yielding the scheduler between sends.
func (br *Bridge) Run(ctx context.Context) {
	for {
		select {
		case item := <-br.in:
			br.bus.Send(item)
			runtime.Gosched()
		case <-ctx.Done():
			return
		}
	}
}
