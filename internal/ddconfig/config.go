// Package ddconfig centralizes the tunable constants and environment-driven
// overrides used across the data distributor. Modeled on
// placementdriver/internal/fsm.ReplicationFactor's env-var-with-clamp idiom.
package ddconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMoveKeysParallelism bounds how many has_dest shards ResumeEngine
	// will let run concurrently before falling back to TeamUnhealthy/SplitShard
	// reasoning for the remainder.
	DefaultMoveKeysParallelism = 15

	// DefaultLargeTeamsMax is the cumulative over-replicated-shard threshold
	// past which a primary-source team larger than the storage team size is
	// treated as unhealthy.
	DefaultLargeTeamsMax = 1

	// DefaultWiggleMinimumAge is the age a correctly-configured storage
	// server must reach before Next(necessaryOnly=true) will pop it.
	DefaultWiggleMinimumAge = 30 * time.Second

	// DefaultAuditRetryCountMax bounds how many audit_core generations are
	// attempted before an audit is marked Failed.
	DefaultAuditRetryCountMax = 5

	// DefaultAuditRetryBackoff is the pause between audit_core generations.
	DefaultAuditRetryBackoff = 500 * time.Millisecond

	// DefaultSnapMinimumTimeGap is how long a completed snapshot result is
	// retained for dedup replay.
	DefaultSnapMinimumTimeGap = 30 * time.Second

	// DefaultSnapCreateMaxTimeout bounds an entire snapshot orchestration.
	DefaultSnapCreateMaxTimeout = 5 * time.Minute

	// DefaultSnapRPCBackoffCap bounds exponential backoff between retried
	// snapshot RPCs.
	DefaultSnapRPCBackoffCap = 10 * time.Second

	// DefaultSnapRPCMaxRetries bounds retries of a single snapshot RPC.
	DefaultSnapRPCMaxRetries = 5

	// DefaultMaxTombstonesPerTxn chunks the tombstone sweep so a single
	// transaction never grows unbounded.
	DefaultMaxTombstonesPerTxn = 1000

	// DefaultTransientRetryBackoff and DefaultTransientRetryMax govern
	// internal/durable's retry of idempotent transient conflicts.
	DefaultTransientRetryBackoff = 50 * time.Millisecond
	DefaultTransientRetryMax     = 8
)

// Config holds the runtime-tunable knobs. Zero value is invalid; use New.
type Config struct {
	MoveKeysParallelism   int
	LargeTeamsMax         int
	WiggleMinimumAge      time.Duration
	AuditRetryCountMax    int
	AuditRetryBackoff     time.Duration
	SnapMinimumTimeGap    time.Duration
	SnapCreateMaxTimeout  time.Duration
	SnapRPCBackoffCap     time.Duration
	SnapRPCMaxRetries     int
	MaxTombstonesPerTxn   int
	TransientRetryBackoff time.Duration
	TransientRetryMax     int
}

// New returns a Config populated with defaults, then overridden by any
// recognized DD_* environment variables that are present and valid.
func New() Config {
	c := Config{
		MoveKeysParallelism:   DefaultMoveKeysParallelism,
		LargeTeamsMax:         DefaultLargeTeamsMax,
		WiggleMinimumAge:      DefaultWiggleMinimumAge,
		AuditRetryCountMax:    DefaultAuditRetryCountMax,
		AuditRetryBackoff:     DefaultAuditRetryBackoff,
		SnapMinimumTimeGap:    DefaultSnapMinimumTimeGap,
		SnapCreateMaxTimeout:  DefaultSnapCreateMaxTimeout,
		SnapRPCBackoffCap:     DefaultSnapRPCBackoffCap,
		SnapRPCMaxRetries:     DefaultSnapRPCMaxRetries,
		MaxTombstonesPerTxn:   DefaultMaxTombstonesPerTxn,
		TransientRetryBackoff: DefaultTransientRetryBackoff,
		TransientRetryMax:     DefaultTransientRetryMax,
	}

	c.MoveKeysParallelism = envInt("DD_MOVE_KEYS_PARALLELISM", c.MoveKeysParallelism, 1, 1000)
	c.LargeTeamsMax = envInt("DD_LARGE_TEAMS_MAX", c.LargeTeamsMax, 0, 1000)
	c.AuditRetryCountMax = envInt("DD_AUDIT_RETRY_COUNT_MAX", c.AuditRetryCountMax, 1, 100)
	c.MaxTombstonesPerTxn = envInt("DD_MAX_TOMBSTONES_PER_TXN", c.MaxTombstonesPerTxn, 1, 100000)
	return c
}

func envInt(key string, fallback, min, max int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
