package session

import (
	"context"
	"sync"
)

// serializer runs functions one at a time per key. Each key gets a worker
// goroutine that lives as long as it has queued work; different keys proceed
// independently.
type serializer struct {
	mu      sync.Mutex
	workers map[string]*keyWorker
}

type keyWorker struct {
	jobs    chan job
	pending int // guarded by serializer.mu
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

func newSerializer() *serializer {
	return &serializer{workers: make(map[string]*keyWorker)}
}

// Do queues fn behind every earlier function for key and waits for its
// result. If ctx ends first Do returns ctx.Err(), but fn still runs (or keeps
// running) in order: its effects may land after the caller gave up.
func (s *serializer) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	w, ok := s.workers[key]
	if !ok {
		w = &keyWorker{jobs: make(chan job, 16)}
		s.workers[key] = w
		go s.run(key, w)
	}
	w.pending++
	s.mu.Unlock()

	w.jobs <- j

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains w until no work is pending, then retires the worker.
func (s *serializer) run(key string, w *keyWorker) {
	for j := range w.jobs {
		j.done <- j.fn(j.ctx)

		s.mu.Lock()
		w.pending--
		if w.pending == 0 {
			delete(s.workers, key)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// active returns the number of keys with queued or running work.
func (s *serializer) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}
