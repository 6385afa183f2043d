package batch

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProcessorAlreadySet = errors.New("batch processor already set")
	ErrNilProcessor        = errors.New("batch processor must not be nil")
	ErrDuplicateID         = errors.New("batch request id already exists")
	ErrShutdown            = errors.New("batch processor is shut down")
)

// Status is the lifecycle state of one batch item
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is one unit of queued work. Higher Priority runs first; equal
// priorities run in submission order.
type Request[P any] struct {
	ID          string
	Priority    int
	Payload     P
	SubmittedAt time.Time
}

// Response tracks the outcome of a Request. StartedAt and EndedAt are zero
// until the item reaches the corresponding state.
type Response[R any] struct {
	ID          string
	Status      Status
	Priority    int
	Result      R
	Err         error
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
}

// Duration returns how long the item ran, or zero if it has not finished
func (r Response[R]) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ProcessFunc handles a single item. Items of one batch run concurrently.
type ProcessFunc[P, R any] func(ctx context.Context, req Request[P]) (R, error)

const (
	DefaultBatchSize       = 10
	DefaultProcessingDelay = 100 * time.Millisecond
)

// Config holds batch processor settings
type Config struct {
	BatchSize       int           // Items drained per batch
	ProcessingDelay time.Duration // Pause between consecutive batches
}

// DefaultConfig returns batches of ten spaced 100ms apart
func DefaultConfig() Config {
	return Config{
		BatchSize:       DefaultBatchSize,
		ProcessingDelay: DefaultProcessingDelay,
	}
}

// WithBatchSize sets the batch size
func (c Config) WithBatchSize(n int) Config {
	c.BatchSize = n
	return c
}

// WithProcessingDelay sets the pause between batches
func (c Config) WithProcessingDelay(d time.Duration) Config {
	c.ProcessingDelay = d
	return c
}

// Validate checks if the config is valid
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if c.ProcessingDelay < 0 {
		return errors.New("batch processing delay must not be negative")
	}
	return nil
}
