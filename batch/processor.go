// Package batch queues prioritized work and drains it against a single
// processing function in bounded, spaced batches.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JohnPlummer/llm-orchestrator/metrics"
)

type record[P, R any] struct {
	req  Request[P]
	resp Response[R]
	seq  uint64
	done chan struct{}
}

// start moves a pending record to processing. Callers hold the processor lock.
func (r *record[P, R]) start(now time.Time) {
	r.resp.Status = StatusProcessing
	r.resp.StartedAt = now
}

// finish moves a processing record to its terminal status and releases
// waiters. Callers hold the processor lock.
func (r *record[P, R]) finish(now time.Time, result R, err error) {
	r.resp.EndedAt = now
	if err != nil {
		r.resp.Status = StatusFailed
		r.resp.Err = err
	} else {
		r.resp.Status = StatusCompleted
		r.resp.Result = result
	}
	close(r.done)
}

// Processor is a goroutine-safe priority queue with a background drain loop.
// The drain loop runs only while the queue is non-empty and a ProcessFunc has
// been set; the next submission re-arms it.
type Processor[P, R any] struct {
	mu        sync.Mutex
	config    Config
	process   ProcessFunc[P, R]
	queue     []*record[P, R]
	records   map[string]*record[P, R]
	seq       uint64
	draining  bool
	closed    bool
	drainDone sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option configures a Processor
type Option func(*options)

type options struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// WithClock replaces time.Now for submission and timing stamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records queue depth and item outcomes on m
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New creates a processor. Zero config fields take their defaults; a
// negative ProcessingDelay is treated as zero.
func New[P, R any](config Config, opts ...Option) *Processor[P, R] {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.ProcessingDelay < 0 {
		config.ProcessingDelay = 0
	}

	o := options{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor[P, R]{
		config:  config,
		records: make(map[string]*record[P, R]),
		ctx:     ctx,
		cancel:  cancel,
		now:     o.now,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// SetProcessor installs the function that handles items. It may be called
// once; items submitted earlier stay pending until it is.
func (p *Processor[P, R]) SetProcessor(fn ProcessFunc[P, R]) error {
	if fn == nil {
		return ErrNilProcessor
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrShutdown
	}
	if p.process != nil {
		return ErrProcessorAlreadySet
	}
	p.process = fn
	p.startDrainLocked()
	return nil
}

// Submit enqueues req and waits until it reaches a terminal status. If ctx
// ends first, Submit returns ctx's error and the item keeps its place.
func (p *Processor[P, R]) Submit(ctx context.Context, req Request[P]) (*Response[R], error) {
	rec, err := p.enqueue(req)
	if err != nil {
		return nil, err
	}

	select {
	case <-rec.done:
		resp := p.snapshot(rec)
		return &resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitAsync enqueues req and returns a channel that receives the terminal
// response once. The channel is closed afterwards.
func (p *Processor[P, R]) SubmitAsync(req Request[P]) (string, <-chan Response[R], error) {
	rec, err := p.enqueue(req)
	if err != nil {
		return "", nil, err
	}

	out := make(chan Response[R], 1)
	go func() {
		<-rec.done
		out <- p.snapshot(rec)
		close(out)
	}()
	return rec.req.ID, out, nil
}

// Status returns the response tracked for id
func (p *Processor[P, R]) Status(id string) (Response[R], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		return Response[R]{}, false
	}
	return rec.resp, true
}

// AllStatuses returns every tracked response in submission order
func (p *Processor[P, R]) AllStatuses() []Response[R] {
	p.mu.Lock()
	defer p.mu.Unlock()

	recs := make([]*record[P, R], 0, len(p.records))
	for _, rec := range p.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]Response[R], len(recs))
	for i, rec := range recs {
		out[i] = rec.resp
	}
	return out
}

// ClearCompleted forgets every completed or failed item and returns how many
// were removed. Their IDs may be reused afterwards.
func (p *Processor[P, R]) ClearCompleted() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, rec := range p.records {
		if rec.resp.Status.Terminal() {
			delete(p.records, id)
			removed++
		}
	}
	return removed
}

// QueueSize returns the number of items waiting to be drained
func (p *Processor[P, R]) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting submissions and waits for queued work to drain.
// When ctx ends first, in-flight items see their context cancelled, items
// still queued fail with ErrShutdown, and ctx's error is returned.
func (p *Processor[P, R]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	if p.process == nil {
		p.failQueuedLocked(ErrShutdown)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.drainDone.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("Batch shutdown timed out, cancelling in-flight items",
			"queued", p.QueueSize())
		p.cancel()
		return ctx.Err()
	}
}

func (p *Processor[P, R]) enqueue(req Request[P]) (*record[P, R], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrShutdown
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := p.records[req.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = p.now()
	}

	p.seq++
	rec := &record[P, R]{
		req: req,
		resp: Response[R]{
			ID:          req.ID,
			Status:      StatusPending,
			Priority:    req.Priority,
			SubmittedAt: req.SubmittedAt,
		},
		seq:  p.seq,
		done: make(chan struct{}),
	}
	p.records[req.ID] = rec
	p.queue = append(p.queue, rec)

	// Descending priority, arrival order within a priority.
	sort.SliceStable(p.queue, func(i, j int) bool {
		return p.queue[i].req.Priority > p.queue[j].req.Priority
	})

	p.metrics.SetQueuedRequests(len(p.queue))
	p.startDrainLocked()
	return rec, nil
}

// startDrainLocked must be called with p.mu held.
func (p *Processor[P, R]) startDrainLocked() {
	if p.draining || p.process == nil || len(p.queue) == 0 {
		return
	}
	p.draining = true
	p.drainDone.Add(1)
	go p.drain()
}

func (p *Processor[P, R]) drain() {
	defer p.drainDone.Done()

	for {
		p.mu.Lock()
		if p.ctx.Err() != nil {
			p.failQueuedLocked(ErrShutdown)
		}
		if len(p.queue) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}

		n := min(p.config.BatchSize, len(p.queue))
		batch := make([]*record[P, R], n)
		copy(batch, p.queue[:n])
		p.queue = append(p.queue[:0:0], p.queue[n:]...)
		remaining := len(p.queue)
		fn := p.process
		p.mu.Unlock()

		p.metrics.RecordBatchSize(n)
		p.metrics.SetQueuedRequests(remaining)
		p.logger.Debug("Processing batch",
			"batch_size", n,
			"remaining", remaining)

		p.runBatch(fn, batch)

		if p.QueueSize() == 0 || p.config.ProcessingDelay == 0 {
			continue
		}

		timer := time.NewTimer(p.config.ProcessingDelay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Processor[P, R]) runBatch(fn ProcessFunc[P, R], batch []*record[P, R]) {
	var wg sync.WaitGroup
	for _, rec := range batch {
		wg.Add(1)
		go func(rec *record[P, R]) {
			defer wg.Done()
			p.runItem(fn, rec)
		}(rec)
	}
	wg.Wait()
}

func (p *Processor[P, R]) runItem(fn ProcessFunc[P, R], rec *record[P, R]) {
	p.mu.Lock()
	rec.start(p.now())
	p.mu.Unlock()

	p.metrics.RecordInFlight(1)
	defer p.metrics.RecordInFlight(-1)

	result, err := p.call(fn, rec.req)

	p.mu.Lock()
	rec.finish(p.now(), result, err)
	resp := rec.resp
	p.mu.Unlock()

	p.metrics.RecordBatchItem(string(resp.Status), resp.Duration())
	if err != nil {
		p.logger.Warn("Batch item failed",
			"id", resp.ID,
			"priority", resp.Priority,
			"error", err)
	}
}

// call runs fn, turning a panic into an item failure.
func (p *Processor[P, R]) call(fn ProcessFunc[P, R], req Request[P]) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch item %s panicked: %v", req.ID, r)
		}
	}()
	return fn(p.ctx, req)
}

// failQueuedLocked fails every queued item with err, taking each through
// processing first. Must be called with p.mu held.
func (p *Processor[P, R]) failQueuedLocked(err error) {
	var zero R
	now := p.now()
	for _, rec := range p.queue {
		rec.start(now)
		rec.finish(now, zero, err)
		p.metrics.RecordBatchItem(string(StatusFailed), 0)
	}
	p.queue = nil
	p.metrics.SetQueuedRequests(0)
}

func (p *Processor[P, R]) snapshot(rec *record[P, R]) Response[R] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return rec.resp
}
