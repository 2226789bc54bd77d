// Package queuepoller implements the sender's transport-queue poll
// loop spec §4.7 describes: periodically drain every transport-bearing
// queue, dispatching each popped row to the processor registered for
// its queue into a bounded TaskQ. Grounded on pkg/taskq's pool and
// phruntime.Runtime.Pool for per-poller pool sizing.
package queuepoller

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/phruntime"
	"github.com/cuemby/phineas/pkg/queue"
	"github.com/cuemby/phineas/pkg/taskq"
)

// Processor handles one popped transport row to completion, persisting
// final status itself (spec §4.7: "The task is responsible for final
// status persistence").
type Processor func(row *queue.Row)

const poolName = "sender-queuepoller"

// Poller drains a set of named transport queues on a fixed interval,
// dispatching each row to the processor registered for its queue name.
type Poller struct {
	Runtime      *phruntime.Runtime
	QueueNames   []string
	Processors   map[string]Processor
	PollInterval time.Duration
	MaxThreads   int
}

// Run blocks, polling every PollInterval until the runtime reports
// shutdown, then drains the dispatch pool before returning (spec §4.7:
// "The poller shuts down cooperatively and drains its TaskQ").
func (p *Poller) Run() {
	log := phlog.WithComponent("queuepoller")
	interval := p.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxThreads := p.MaxThreads
	if maxThreads <= 0 {
		maxThreads = 10
	}
	pool := p.Runtime.Pool(poolName, maxThreads, 60*time.Second)

	for {
		if p.Runtime.ShuttingDown() {
			pool.Stop()
			return
		}
		p.drainOnce(pool, log)
		if p.Runtime.ShuttingDown() {
			pool.Stop()
			return
		}
		time.Sleep(interval)
	}
}

// drainOnce pops every queue named in QueueNames until each reports
// empty, submitting a task per row to the shared pool.
func (p *Poller) drainOnce(pool *taskq.Pool, log zerolog.Logger) {
	for _, name := range p.QueueNames {
		q, ok := p.Runtime.Queues.Queue(name)
		if !ok {
			log.Warn().Str("queue", name).Msg("queuepoller: queue not registered")
			continue
		}
		proc, ok := p.Processors[name]
		if !ok {
			log.Warn().Str("queue", name).Msg("queuepoller: no processor registered")
			continue
		}

		for {
			if p.Runtime.ShuttingDown() {
				return
			}
			row, err := q.Pop()
			if err != nil {
				log.Error().Err(err).Str("queue", name).Msg("queuepoller: pop failed")
				break
			}
			if row == nil {
				break
			}
			pool.Submit(func(arg any) {
				proc(arg.(*queue.Row))
			}, row)
		}
	}
}
