// Package writequeue serializes all writes to the store for a single
// process: entries pushed from many concurrent extractors are batched and
// flushed by one goroutine, with backpressure when the queue grows past a
// high watermark and an exclusive-section escape hatch for operations that
// need sole database access (co-recall edge updates, force-cleanup
// deletes).
package writequeue

import (
	"context"
	"sync"
	"time"

	"agenr/internal/agerr"
	"agenr/internal/entry"
	"agenr/internal/metrics"
	"agenr/internal/obs"
)

// Entry is one pending write: the candidate entry plus the provenance it
// was extracted from.
type Entry struct {
	Item        *entry.Entry
	SourceFile  string
	ContentHash string
}

// BatchOutcome is the numeric result of reconciling one flushed batch.
type BatchOutcome struct {
	Added         int
	Updated       int
	Skipped       int
	Superseded    int
	LLMDedupCalls int
}

// Reconciler applies dedup policy and persists one batch atomically. The
// dedup package provides the real implementation; tests can substitute a
// fake.
type Reconciler interface {
	ApplyBatch(ctx context.Context, items []Entry) (BatchOutcome, error)
}

// Config tunes batching, backpressure, and idle-flush behavior.
type Config struct {
	HighWatermark         int
	BatchSize             int
	IdleFlush             time.Duration
	BackpressureTimeout   time.Duration
	IsShutdownRequested   func() bool
}

func (c *Config) applyDefaults() {
	if c.HighWatermark <= 0 {
		c.HighWatermark = 2000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 40
	}
	if c.IdleFlush <= 0 {
		c.IdleFlush = 250 * time.Millisecond
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = 5 * time.Second
	}
	if c.IsShutdownRequested == nil {
		c.IsShutdownRequested = func() bool { return false }
	}
}

type result struct {
	outcome BatchOutcome
	err     error
}

type waiter struct {
	remaining int
	resultCh  chan result
	sent      bool
}

type pendingItem struct {
	entry Entry
	w     *waiter
}

// Queue is a single-process, single-database write serializer.
//
// Lock ordering: writeMu is always acquired without holding mu, and mu is
// never acquired while holding writeMu. flushPending and RunExclusive both
// follow this rule, which is what keeps them from deadlocking against each
// other.
type Queue struct {
	cfg        Config
	reconciler Reconciler

	slots chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending []pendingItem
	closed  bool
	flushing bool

	writeMu sync.Mutex

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	metrics *metrics.Registry
}

// SetMetrics attaches a registry the queue reports its pending depth to.
// Optional: a nil/unset registry just means the gauge never moves.
func (q *Queue) SetMetrics(m *metrics.Registry) {
	q.metrics = m
}

func (q *Queue) reportDepth(n int) {
	if q.metrics != nil {
		q.metrics.WriteQueueDepth.Set(float64(n))
	}
}

// New starts the queue's flush goroutine and returns a ready Queue.
func New(cfg Config, reconciler Reconciler) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		cfg:        cfg,
		reconciler: reconciler,
		slots:      make(chan struct{}, cfg.HighWatermark),
		triggerCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < cfg.HighWatermark; i++ {
		q.slots <- struct{}{}
	}
	go q.run()
	return q
}

// Push enqueues items and blocks until the batch containing them has been
// stored (or fails). All items in one call share a single BatchOutcome: the
// outcome of whichever flush ends up including them.
func (q *Queue) Push(ctx context.Context, items []Entry) (BatchOutcome, error) {
	if len(items) == 0 {
		return BatchOutcome{}, nil
	}
	q.mu.Lock()
	if q.closed || q.cfg.IsShutdownRequested() {
		q.mu.Unlock()
		return BatchOutcome{}, agerr.New(agerr.Cancelled, errShutdown)
	}
	q.mu.Unlock()

	if err := q.acquireSlots(ctx, len(items)); err != nil {
		return BatchOutcome{}, err
	}

	w := &waiter{remaining: len(items), resultCh: make(chan result, 1)}
	q.mu.Lock()
	for _, it := range items {
		q.pending = append(q.pending, pendingItem{entry: it, w: w})
	}
	shouldTrigger := len(q.pending) >= q.cfg.BatchSize
	depth := len(q.pending)
	q.mu.Unlock()
	q.reportDepth(depth)

	if shouldTrigger {
		select {
		case q.triggerCh <- struct{}{}:
		default:
		}
	}

	select {
	case r := <-w.resultCh:
		return r.outcome, r.err
	case <-ctx.Done():
		return BatchOutcome{}, ctx.Err()
	}
}

var errShutdown = agerrShutdownSentinel("writequeue: shutdown requested, not accepting new work")

type agerrShutdownSentinel string

func (e agerrShutdownSentinel) Error() string { return string(e) }

// acquireSlots reserves n capacity slots, blocking under backpressure until
// BackpressureTimeout elapses.
func (q *Queue) acquireSlots(ctx context.Context, n int) error {
	deadline := time.Now().Add(q.cfg.BackpressureTimeout)
	acquired := 0
	for acquired < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.releaseSlots(acquired)
			return agerr.New(agerr.Backpressure, errBackpressureTimeout)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.slots:
			acquired++
			timer.Stop()
		case <-timer.C:
			q.releaseSlots(acquired)
			return agerr.New(agerr.Backpressure, errBackpressureTimeout)
		case <-ctx.Done():
			timer.Stop()
			q.releaseSlots(acquired)
			return ctx.Err()
		}
	}
	return nil
}

func (q *Queue) releaseSlots(n int) {
	for i := 0; i < n; i++ {
		q.slots <- struct{}{}
	}
}

var errBackpressureTimeout = agerrShutdownSentinel("writequeue: backpressure timeout exceeded")

// Cancel drops all queued-but-not-yet-flushed entries for sourceFile,
// unblocking any Push calls that become fully satisfied by the drop.
func (q *Queue) Cancel(sourceFile string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	touched := map[*waiter]int{}
	for _, it := range q.pending {
		if it.entry.SourceFile == sourceFile {
			touched[it.w]++
			continue
		}
		kept = append(kept, it)
	}
	q.pending = kept
	for w, n := range touched {
		w.remaining -= n
		if w.remaining <= 0 && !w.sent {
			w.sent = true
			w.resultCh <- result{err: agerr.New(agerr.Cancelled, errCancelledBySource)}
		}
	}
	cancelledCount := 0
	for _, n := range touched {
		cancelledCount += n
	}
	q.releaseSlots(cancelledCount)
	q.reportDepth(len(q.pending))
	q.cond.Broadcast()
}

var errCancelledBySource = agerrShutdownSentinel("writequeue: source file cancelled")

// RunExclusive acquires sole database access — mutually exclusive with
// batch flushes and with other RunExclusive calls — and runs fn.
func (q *Queue) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	return fn(ctx)
}

// Drain blocks until the queue has no pending or in-flight work.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 || q.flushing {
		q.cond.Wait()
	}
}

// Destroy stops accepting new work, flushes whatever remains, and waits for
// the flush goroutine to exit.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stopCh)
	<-q.doneCh
}

func (q *Queue) run() {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.cfg.IdleFlush)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			q.flushPending(ctx)
			return
		case <-q.triggerCh:
			q.flushPending(ctx)
		case <-ticker.C:
			q.flushPending(ctx)
		}
	}
}

func (q *Queue) flushPending(ctx context.Context) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.pending
	q.pending = nil
	q.flushing = true
	q.mu.Unlock()
	q.reportDepth(0)

	items := make([]Entry, len(batch))
	for i, it := range batch {
		items[i] = it.entry
	}

	q.writeMu.Lock()
	outcome, err := q.reconciler.ApplyBatch(ctx, items)
	q.writeMu.Unlock()

	if err != nil {
		obs.Logger(ctx).Error().Err(err).Int("batch_size", len(items)).Msg("writequeue_flush_failed")
	}

	notified := map[*waiter]bool{}
	for _, it := range batch {
		it.w.remaining--
		if it.w.remaining <= 0 && !it.w.sent && !notified[it.w] {
			it.w.sent = true
			notified[it.w] = true
			it.w.resultCh <- result{outcome: outcome, err: err}
		}
	}

	q.releaseSlots(len(items))

	q.mu.Lock()
	q.flushing = false
	q.cond.Broadcast()
	q.mu.Unlock()
}
