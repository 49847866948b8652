package audit

import (
	"sync"
	"time"

	"github.com/tkvstore/datadistributor/internal/ddtypes"
)

// failureTracker implements do_audit_on_storage_server's "sustained
// failure timeout with slope": each server's recent failure streak
// shrinks the timeout allowed for its next call, the way the teacher's
// RebalanceManager.trackMoveLatency/detectCompaction escalates its view
// of a worker under sustained backpressure.
type failureTracker struct {
	mu       sync.Mutex
	baseline time.Duration
	floor    time.Duration
	streaks  map[ddtypes.ServerId]int
	avgLatency map[ddtypes.ServerId]time.Duration
}

func newFailureTracker() failureTracker {
	return failureTracker{
		baseline: 10 * time.Second,
		floor:    500 * time.Millisecond,
		streaks:  make(map[ddtypes.ServerId]int),
		avgLatency: make(map[ddtypes.ServerId]time.Duration),
	}
}

// timeoutFor returns the timeout to apply to the next call against
// server: the baseline, halved for every two consecutive failures, down
// to floor, but never below twice the server's observed average
// latency, so a slow-but-healthy server isn't starved by its own
// history of past failures.
func (f *failureTracker) timeoutFor(server ddtypes.ServerId) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	streak := f.streaks[server]
	timeout := f.baseline
	for i := 0; i < streak/2; i++ {
		timeout /= 2
		if timeout <= f.floor {
			timeout = f.floor
			break
		}
	}
	if avg := f.avgLatency[server]; avg > 0 && 2*avg > timeout {
		timeout = 2 * avg
	}
	return timeout
}

// record updates the streak and latency EWMA for server after one call.
func (f *failureTracker) record(server ddtypes.ServerId, err error, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		f.streaks[server]++
	} else {
		f.streaks[server] = 0
	}

	prev, ok := f.avgLatency[server]
	if !ok {
		f.avgLatency[server] = latency
		return
	}
	f.avgLatency[server] = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(prev))
}

const emaAlpha = 0.3
