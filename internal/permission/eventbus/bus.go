// Package eventbus routes committed permission events to in-process handlers.
// Delivery is at-least-once; events for one permission ID reach each handler
// in commit order, while different permission IDs are dispatched in parallel.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"consentgrid/internal/permission/metrics"
	"consentgrid/internal/permission/models"
)

var (
	ErrBusClosed     = errors.New("event bus closed")
	ErrNoSubscribers = errors.New("no subscribers for event type")
)

const defaultWorkers = 16

// Handler reacts to committed events. Implementations must be idempotent.
type Handler interface {
	Name() string
	Handle(ctx context.Context, e models.Event) error
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, e models.Event) error
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, e models.Event) error { return h.fn(ctx, e) }

// HandlerFunc adapts a function to Handler.
func HandlerFunc(name string, fn func(ctx context.Context, e models.Event) error) Handler {
	return funcHandler{name: name, fn: fn}
}

type subscription struct {
	handler Handler
	types   map[models.EventType]bool // nil means every type
}

func (s subscription) wants(t models.EventType) bool {
	return s.types == nil || s.types[t]
}

// DeliveryHook runs once every matching handler has seen e. err joins the
// handler failures and is nil when all of them succeeded.
type DeliveryHook func(ctx context.Context, e models.Event, err error)

// Bus is the in-process event router.
type Bus struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	synchronous bool

	mu        sync.RWMutex
	subs      []subscription
	delivered DeliveryHook

	workers []*worker
	closed  atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithWorkers sets the number of dispatch workers.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.workers = make([]*worker, n)
		}
	}
}

// WithSynchronousDispatch delivers events inline on the emitting goroutine.
// Handlers chaining further commits then run depth-first, which keeps tests
// deterministic.
func WithSynchronousDispatch() Option {
	return func(b *Bus) {
		b.synchronous = true
	}
}

// New constructs a Bus. Call Start before emitting in asynchronous mode.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:  slog.Default(),
		workers: make([]*worker, defaultWorkers),
	}
	for _, opt := range opts {
		opt(b)
	}
	for i := range b.workers {
		b.workers[i] = newWorker()
	}
	return b
}

// Subscribe registers h for the given event types.
func (b *Bus) Subscribe(h Handler, types ...models.EventType) {
	set := make(map[models.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{handler: h, types: set})
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{handler: h})
}

// OnDelivered registers the hook told about finished deliveries. Register it
// before Start.
func (b *Bus) OnDelivered(hook DeliveryHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = hook
}

func (b *Bus) matching(t models.EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Handler
	for _, s := range b.subs {
		if s.wants(t) {
			out = append(out, s.handler)
		}
	}
	return out
}

// Emit hands e to every matching subscriber. It never blocks on handlers;
// in asynchronous mode it only enqueues. Handler failures are not returned;
// they reach the delivery hook.
func (b *Bus) Emit(ctx context.Context, e models.Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	handlers := b.matching(e.Type)
	if len(handlers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscribers, e.Type)
	}
	d := delivery{ctx: context.WithoutCancel(ctx), event: e, handlers: handlers}
	if b.synchronous {
		b.deliver(d)
		return nil
	}
	b.workers[b.workerFor(e)].push(d)
	b.metrics.AddQueueDepth(1)
	return nil
}

func (b *Bus) workerFor(e models.Event) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(e.PermissionID))
	return int(h.Sum32() % uint32(len(b.workers)))
}

// Start launches the dispatch workers. It is a no-op in synchronous mode and
// on repeated calls. Workers stop when ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) {
	if b.synchronous || !b.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range b.workers {
		b.wg.Add(1)
		go func(w *worker) {
			defer b.wg.Done()
			w.run(ctx, b)
		}(w)
	}
}

// Close stops accepting events, lets workers drain what is queued, and waits
// for them to exit.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range b.workers {
		w.stop()
	}
	b.wg.Wait()
}

func (b *Bus) deliver(d delivery) {
	var errs []error
	for _, h := range d.handlers {
		if err := b.invoke(d.ctx, h, d.event); err != nil {
			errs = append(errs, err)
		}
	}
	b.mu.RLock()
	hook := b.delivered
	b.mu.RUnlock()
	if hook != nil {
		hook(d.ctx, d.event, errors.Join(errs...))
	}
}

// invoke isolates one handler so its error or panic cannot affect others.
func (b *Bus) invoke(ctx context.Context, h Handler, e models.Event) (err error) {
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			err = fmt.Errorf("handler %s panicked: %v", h.Name(), r)
			b.logger.ErrorContext(ctx, "event handler panicked",
				"handler", h.Name(),
				"event_type", string(e.Type),
				"permission_id", string(e.PermissionID),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
		b.metrics.ObserveDelivery(h.Name(), result, start)
	}()
	if err := h.Handle(ctx, e); err != nil {
		result = "error"
		b.logger.ErrorContext(ctx, "event handler failed",
			"handler", h.Name(),
			"event_type", string(e.Type),
			"permission_id", string(e.PermissionID),
			"event_id", e.EventID.String(),
			"error", err,
		)
		return fmt.Errorf("handler %s: %w", h.Name(), err)
	}
	return nil
}
