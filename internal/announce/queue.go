// Package announce implements the spoken/notification announcement queue.
//
// Exactly one message is rendered at a time. Pending messages are ordered by
// priority, duplicates are dropped at enqueue time and emergency messages
// preempt whatever is being rendered.
package announce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/GuardianPipe/internal/metrics"
	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// Queue defaults.
const (
	DefaultTickInterval   = time.Second
	DefaultDebounceWindow = 3 * time.Second
	DefaultMaxPending     = 32
	MinRenderTimeout      = 5 * time.Second
	RenderTimePerChar     = 100 * time.Millisecond

	// renderGrace is how long a cancelled sink gets to return before the
	// next message may start.
	renderGrace = 250 * time.Millisecond
)

// Sink renders a message to the user. Render must return once ctx is done.
type Sink interface {
	Render(ctx context.Context, text string, urgent bool) error
}

// RenderTimeout returns the time budget for rendering text: max(5s, len*100ms).
func RenderTimeout(text string) time.Duration {
	return renderTimeout(text, MinRenderTimeout)
}

func renderTimeout(text string, floor time.Duration) time.Duration {
	d := time.Duration(len(text)) * RenderTimePerChar
	if d < floor {
		return floor
	}
	return d
}

// Opts holds configuration for a Queue.
type Opts struct {
	TickInterval   time.Duration
	DebounceWindow time.Duration
	MaxPending     int
	MinRender      time.Duration
	Metrics        *metrics.Metrics
}

// Option defines a functional option for configuring a Queue.
type Option func(*Opts)

// WithTickInterval sets the cadence of Run.
func WithTickInterval(d time.Duration) Option {
	return func(o *Opts) { o.TickInterval = d }
}

// WithDebounceWindow sets how long identical text is suppressed after rendering starts.
func WithDebounceWindow(d time.Duration) Option {
	return func(o *Opts) { o.DebounceWindow = d }
}

// WithMaxPending bounds the pending list.
func WithMaxPending(n int) Option {
	return func(o *Opts) { o.MaxPending = n }
}

// WithMinRenderTimeout lowers or raises the render timeout floor.
func WithMinRenderTimeout(d time.Duration) Option {
	return func(o *Opts) { o.MinRender = d }
}

// WithMetrics attaches queue instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

type pendingItem struct {
	msg models.AlertMessage
	seq uint64
}

type activeItem struct {
	msg       models.AlertMessage
	cancel    context.CancelFunc
	done      chan struct{}
	abandoned bool
}

// Queue is a bounded priority queue with a single active slot.
type Queue struct {
	sink Sink
	opts Opts

	mu       sync.Mutex
	pending  []pendingItem
	seq      uint64
	active   *activeItem
	lastDone chan struct{}
	spoken   map[string]time.Time
	closed   bool

	wg  sync.WaitGroup
	now func() time.Time
}

// NewQueue creates a Queue rendering to sink.
func NewQueue(sink Sink, opts ...Option) *Queue {
	cfg := Opts{
		TickInterval:   DefaultTickInterval,
		DebounceWindow: DefaultDebounceWindow,
		MaxPending:     DefaultMaxPending,
		MinRender:      MinRenderTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		sink:   sink,
		opts:   cfg,
		spoken: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Enqueue adds msg to the queue. It reports false when the message was dropped.
func (q *Queue) Enqueue(msg models.AlertMessage) bool {
	if msg.Text == "" {
		return false
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	now := q.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	for _, p := range q.pending {
		if p.msg.Text == msg.Text {
			slog.Debug("Queue.Enqueue: dropping duplicate", "text", msg.Text, "priority", msg.Priority)
			q.opts.Metrics.Announcement(metrics.OutcomeDuplicate)
			return false
		}
	}
	if msg.Priority != models.PriorityEmergency {
		if at, ok := q.spoken[msg.Text]; ok && now.Sub(at) < q.opts.DebounceWindow {
			slog.Debug("Queue.Enqueue: debounced", "text", msg.Text, "since", now.Sub(at))
			q.opts.Metrics.Announcement(metrics.OutcomeDebounced)
			return false
		}
	}

	if len(q.pending) >= q.opts.MaxPending && !q.evictLocked(msg.Priority) {
		slog.Warn("Queue.Enqueue: queue full, dropping message", "text", msg.Text, "priority", msg.Priority)
		q.opts.Metrics.Announcement(metrics.OutcomeOverflow)
		return false
	}

	q.seq++
	q.pending = append(q.pending, pendingItem{msg: msg, seq: q.seq})
	slog.Debug("Queue.Enqueue: queued", "id", msg.ID, "priority", msg.Priority, "pending", len(q.pending))

	if msg.Priority == models.PriorityEmergency && q.active != nil && q.active.msg.Priority != models.PriorityEmergency {
		slog.Info("Queue.Enqueue: emergency preempting active message", "abandoned", q.active.msg.Text)
		q.abandonLocked()
		q.startNextLocked()
	}
	return true
}

// evictLocked drops the newest lowest-priority pending message if it ranks
// below p.
func (q *Queue) evictLocked(p models.Priority) bool {
	victim := -1
	for i, item := range q.pending {
		if victim == -1 || item.msg.Priority < q.pending[victim].msg.Priority ||
			(item.msg.Priority == q.pending[victim].msg.Priority && item.seq > q.pending[victim].seq) {
			victim = i
		}
	}
	if victim == -1 || q.pending[victim].msg.Priority >= p {
		return false
	}
	slog.Debug("Queue.evictLocked: evicting pending message", "text", q.pending[victim].msg.Text)
	q.pending = append(q.pending[:victim], q.pending[victim+1:]...)
	q.opts.Metrics.Announcement(metrics.OutcomeEvicted)
	return true
}

// Tick starts the highest-priority pending message if nothing is active.
func (q *Queue) Tick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil && !q.closed {
		q.startNextLocked()
	}
}

// Run ticks until ctx is cancelled, then abandons the active message and
// waits for rendering to stop.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("Queue.Run: starting announcement loop", "interval", q.opts.TickInterval)
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
	ticker := time.NewTicker(q.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.closed = true
			if q.active != nil {
				q.abandonLocked()
			}
			q.mu.Unlock()
			q.wg.Wait()
			slog.Info("Queue.Run: stopping")
			return
		case <-ticker.C:
			q.Tick()
		}
	}
}

// Active returns the message being rendered, if any.
func (q *Queue) Active() (models.AlertMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return models.AlertMessage{}, false
	}
	return q.active.msg, true
}

// Pending returns the queued messages in render order.
func (q *Queue) Pending() []models.AlertMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := append([]pendingItem(nil), q.pending...)
	out := make([]models.AlertMessage, 0, len(items))
	for len(items) > 0 {
		i := nextIndex(items)
		out = append(out, items[i].msg)
		items = append(items[:i], items[i+1:]...)
	}
	return out
}

// Wait blocks until every started render has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func nextIndex(items []pendingItem) int {
	best := 0
	for i := 1; i < len(items); i++ {
		if items[i].msg.Priority > items[best].msg.Priority ||
			(items[i].msg.Priority == items[best].msg.Priority && items[i].seq < items[best].seq) {
			best = i
		}
	}
	return best
}

func (q *Queue) abandonLocked() {
	a := q.active
	a.abandoned = true
	a.cancel()
	q.active = nil
	q.opts.Metrics.Announcement(metrics.OutcomePreempted)
}

func (q *Queue) startNextLocked() {
	if len(q.pending) == 0 {
		return
	}
	i := nextIndex(q.pending)
	item := q.pending[i]
	q.pending = append(q.pending[:i], q.pending[i+1:]...)

	now := q.now()
	for text, at := range q.spoken {
		if now.Sub(at) >= q.opts.DebounceWindow {
			delete(q.spoken, text)
		}
	}
	q.spoken[item.msg.Text] = now

	ctx, cancel := context.WithTimeout(context.Background(), renderTimeout(item.msg.Text, q.opts.MinRender))
	a := &activeItem{msg: item.msg, cancel: cancel, done: make(chan struct{})}
	prev := q.lastDone
	q.lastDone = a.done
	q.active = a

	q.wg.Add(1)
	go q.render(ctx, a, prev)
}

func (q *Queue) render(ctx context.Context, a *activeItem, prev chan struct{}) {
	defer q.wg.Done()
	defer close(a.done)
	defer a.cancel()

	// The sink renders one message at a time.
	if prev != nil {
		<-prev
	}

	err := ctx.Err()
	if err == nil {
		errCh := make(chan error, 1)
		go func() {
			errCh <- q.sink.Render(ctx, a.msg.Text, a.msg.Priority == models.PriorityEmergency)
		}()
		select {
		case err = <-errCh:
		case <-ctx.Done():
			err = ctx.Err()
			select {
			case <-errCh:
			case <-time.After(renderGrace):
			}
		}
	}

	q.mu.Lock()
	if q.active == a {
		q.active = nil
	}
	abandoned := a.abandoned
	q.mu.Unlock()

	switch {
	case abandoned:
		slog.Debug("Queue.render: message abandoned", "id", a.msg.ID, "text", a.msg.Text)
	case err != nil:
		slog.Warn("Queue.render: failed to render message", "id", a.msg.ID, "priority", a.msg.Priority, "error", err)
		q.opts.Metrics.Announcement(metrics.OutcomeFailed)
	default:
		slog.Debug("Queue.render: message rendered", "id", a.msg.ID, "priority", a.msg.Priority)
		q.opts.Metrics.Announcement(metrics.OutcomeRendered)
	}
}
