package stt

import (
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
)

// dispatcher runs callbacks off the receive loop on a single worker, so
// they never block reading and still run in submission order.
type dispatcher struct {
	mu      sync.Mutex
	pool    *workerpool.WorkerPool
	stopped bool
	log     zerolog.Logger
}

func newDispatcher(log zerolog.Logger) *dispatcher {
	return &dispatcher{
		pool: workerpool.New(1),
		log:  log,
	}
}

// Submit queues fn. Calls after Stop are dropped.
func (d *dispatcher) Submit(name string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Interface("panic", r).Str("handler", name).Msg("Callback panicked")
			}
		}()
		fn()
	})
}

// Stop runs all queued callbacks and then shuts the worker down
func (d *dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.pool.StopWait()
}
