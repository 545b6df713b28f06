package eventbus

import (
	"context"
	"sync"

	"consentgrid/internal/permission/models"
)

type delivery struct {
	ctx      context.Context
	event    models.Event
	handlers []Handler
}

// worker owns an unbounded FIFO. Handlers commit follow-on events from inside
// a delivery, which re-enters Emit on the same worker; a bounded queue could
// leave the worker waiting on itself.
type worker struct {
	mu      sync.Mutex
	queue   []delivery
	stopped bool
	signal  chan struct{}
}

func newWorker() *worker {
	return &worker{signal: make(chan struct{}, 1)}
}

func (w *worker) push(d delivery) {
	w.mu.Lock()
	w.queue = append(w.queue, d)
	w.mu.Unlock()
	w.notify()
}

func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.notify()
}

func (w *worker) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// take pops the whole queue. done is true once stopped with nothing left.
func (w *worker) take() (batch []delivery, done bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch, w.queue = w.queue, nil
	return batch, w.stopped && len(batch) == 0
}

func (w *worker) run(ctx context.Context, b *Bus) {
	for {
		batch, done := w.take()
		if done {
			return
		}
		for _, d := range batch {
			b.metrics.AddQueueDepth(-1)
			b.deliver(d)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}
	}
}
