package beam

import (
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
)

// flags are the process-wide settings, consulted once at startup and
// snapshotted at session construction.
type flags struct {
	PruneServerStackTraces bool `env:"BEAM_PRUNE_SERVER_STACK_TRACES,default=true"`
	LimitReachedThreadDump bool `env:"BEAM_LIMIT_REACHED_THREAD_DUMP,default=false"`
	LimitReachedSystemExit bool `env:"BEAM_LIMIT_REACHED_SYSTEM_EXIT,default=false"`
}

var (
	flagsOnce   sync.Once
	loadedFlags flags
)

func processFlags() flags {
	flagsOnce.Do(func() {
		loadedFlags = flags{PruneServerStackTraces: true}
		_ = envdecode.Decode(&loadedFlags)
	})
	return loadedFlags
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxWorkers        = 100
	defaultMaxIdleChannels   = 10
	disposalBatchSize        = 100
)

// Config configures a session.
type Config struct {
	// Exports are the named objects offered to the peer for Lookup.
	Exports map[string]Remote

	// MaxWorkers bounds the worker pool backing timers, the accept loop
	// and asynchronous dispatch. Zero means 100.
	MaxWorkers int

	// MaxIdleChannels bounds how many idle channels the pool retains.
	// Zero means 10.
	MaxIdleChannels int

	// HeartbeatInterval is the liveness window H. A heartbeat is sent
	// every H/2 and the session closes when the peer stays silent for
	// more than H. Zero means 30s.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.MaxIdleChannels == 0 {
		c.MaxIdleChannels = defaultMaxIdleChannels
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	return c
}
