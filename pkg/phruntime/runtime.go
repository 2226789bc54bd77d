// Package phruntime centralizes the process-wide state spec §5 calls
// out as a redesign target: "Global mutable process state (running/
// stopped/restart flag, open logger, loaded configuration, connection
// registry) is centralized in the source. In the target design this
// becomes a 'runtime' value constructed at startup and passed
// explicitly to every component; component interfaces carry it. No
// free globals."
package phruntime

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/queue"
	"github.com/cuemby/phineas/pkg/queue/dupcache"
	"github.com/cuemby/phineas/pkg/taskq"
)

// State is the process lifecycle state spec §5 describes: "Graceful
// shutdown is signalled by transitioning the process state to
// SHUTDOWN... A RESTART transition performs shutdown then re-entry to
// start."
type State int

const (
	StateInit State = iota
	StateRunning
	StateShutdown
	StateRestart
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateShutdown:
		return "SHUTDOWN"
	case StateRestart:
		return "RESTART"
	default:
		return "UNKNOWN"
	}
}

// Runtime is the explicit value every component carries instead of
// reaching for package-level globals. It owns the lifecycle flag, the
// loaded configuration, the queue registry, the duplicate-ack cache,
// and named worker pools.
type Runtime struct {
	mu     sync.RWMutex
	state  State
	config *phconfig.Config
	log    zerolog.Logger

	Queues *queue.Registry
	Dedup  *dupcache.Cache

	poolsMu sync.Mutex
	pools   map[string]*taskq.Pool
}

// New constructs a Runtime in state INIT with the given config and
// queue registry. Dedup may be nil if duplicate suppression is
// disabled for this process.
func New(cfg *phconfig.Config, queues *queue.Registry, dedup *dupcache.Cache) *Runtime {
	return &Runtime{
		state:  StateInit,
		config: cfg,
		log:    phlog.WithComponent("runtime"),
		Queues: queues,
		Dedup:  dedup,
		pools:  make(map[string]*taskq.Pool),
	}
}

// Config returns the loaded configuration. Configuration is read-only
// after startup (spec §5: "Configuration is loaded once at startup and
// is read-only thereafter except under the admin console's edit flow").
func (r *Runtime) Config() *phconfig.Config {
	return r.config
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetState transitions the lifecycle state. Every polling loop is
// expected to call ShuttingDown() between iterations and exit promptly
// when it returns true.
func (r *Runtime) SetState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Info().Str("from", r.state.String()).Str("to", s.String()).Msg("runtime state transition")
	r.state = s
}

// ShuttingDown reports whether the process is in SHUTDOWN or RESTART,
// the two states every poller, server select-loop, and task worker
// must check before reacquiring work.
func (r *Runtime) ShuttingDown() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == StateShutdown || r.state == StateRestart
}

// Pool returns the named worker pool, creating it lazily with the
// given sizing on first use. Pools are looked up by name so the
// receiver, folder poller, and queue poller can each own a distinct
// bounded pool without a free global per component.
func (r *Runtime) Pool(name string, maxWorkers int, idleTimeout time.Duration) *taskq.Pool {
	r.poolsMu.Lock()
	defer r.poolsMu.Unlock()
	if p, ok := r.pools[name]; ok {
		return p
	}
	p := taskq.New(name, maxWorkers, idleTimeout)
	r.pools[name] = p
	return p
}

// StopAllPools stops every pool registered via Pool, blocking until
// each has drained its in-flight tasks.
func (r *Runtime) StopAllPools() {
	r.poolsMu.Lock()
	pools := make([]*taskq.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.poolsMu.Unlock()

	for _, p := range pools {
		p.Stop()
	}
}

// Shutdown transitions to SHUTDOWN, stops every worker pool, and
// closes the queue registry and dedup cache. It does not interrupt
// in-flight socket I/O (spec §5: "it runs to its own timeout").
func (r *Runtime) Shutdown() error {
	r.SetState(StateShutdown)
	r.StopAllPools()

	var errs []error
	if r.Queues != nil {
		if err := r.Queues.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queues: %w", err))
		}
	}
	if r.Dedup != nil {
		if err := r.Dedup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dedup cache: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("runtime shutdown: %v", errs)
	}
	return nil
}
