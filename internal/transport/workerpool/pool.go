// Package workerpool runs a fixed number of supervised goroutines pulling
// work items off a shared channel, the pattern the matcher uses to fan
// published events out to websocket subscribers without spawning one
// goroutine per client per event.
package workerpool

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const defaultQueueSize = 256

// Func processes one task. An error is logged and the worker goes on to
// the next task.
type Func = func(t *tomb.Tomb, task any) error

// Pool is a fixed-size pool of workers draining a shared task queue.
type Pool struct {
	n     int
	tasks chan any
}

// New builds a pool of size workers with a bounded task queue.
func New(size int) *Pool {
	return &Pool{n: size, tasks: make(chan any, defaultQueueSize)}
}

// Submit enqueues task, blocking if the queue is full. It returns false if
// the pool's tomb is already dying.
func (p *Pool) Submit(t *tomb.Tomb, task any) bool {
	select {
	case p.tasks <- task:
		return true
	case <-t.Dying():
		return false
	}
}

// Run starts n workers under t and blocks until t is dying, then returns
// without waiting for the workers; each worker exits on its own once it
// sees t dying.
func (p *Pool) Run(t *tomb.Tomb, work Func) {
	log.Info().Int("workers", p.n).Msg("starting worker pool")
	for i := 0; i < p.n; i++ {
		t.Go(func() error { return p.worker(t, work) })
	}
	<-t.Dying()
}

func (p *Pool) worker(t *tomb.Tomb, work Func) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-p.tasks:
			if err := work(t, task); err != nil {
				log.Error().Err(err).Msg("worker task failed")
			}
		}
	}
}
