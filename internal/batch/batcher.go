// Package batch buffers records and writes them to storage in bounded batches.
package batch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/retry"
)

// DefaultSize is the flush threshold when none is configured.
const DefaultSize = 500

// FlushFunc writes one batch and returns how many rows were actually written.
// Rows skipped because of a key conflict are not an error.
type FlushFunc[T any] func(ctx context.Context, items []T) (int, error)

// Batcher accumulates records of one kind. It is not safe for concurrent use;
// the orchestrator run that owns it is the only writer.
type Batcher[T any] struct {
	name    string
	size    int
	flush   FlushFunc[T]
	retry   *retry.Config
	logger  *zap.Logger
	buf     []T
	written int
	added   int
	flushes int
}

// Option configures a Batcher.
type Option func(*options)

type options struct {
	name   string
	retry  *retry.Config
	logger *zap.Logger
}

// WithName labels log lines and errors.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithRetry sets the backoff used for transient flush failures.
func WithRetry(cfg *retry.Config) Option { return func(o *options) { o.retry = cfg } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// New returns a Batcher flushing every size records (DefaultSize if size < 1).
func New[T any](size int, flush FlushFunc[T], opts ...Option) *Batcher[T] {
	o := options{name: "records", retry: retry.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if size < 1 {
		size = DefaultSize
	}
	return &Batcher[T]{
		name:   o.name,
		size:   size,
		flush:  flush,
		retry:  o.retry,
		logger: o.logger.Named("batch"),
		buf:    make([]T, 0, size),
	}
}

// Add buffers item and flushes when the threshold is reached.
func (b *Batcher[T]) Add(ctx context.Context, item T) error {
	b.buf = append(b.buf, item)
	b.added++
	if len(b.buf) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes whatever is buffered. Transient failures are retried with
// backoff; on a permanent failure the buffer is kept so the caller may decide.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	n, err := retry.DoWithResult(ctx, b.retry, func() (int, error) {
		n, err := b.flush(ctx, b.buf)
		if err != nil && retry.IsRetryable(err) {
			b.logger.Warn("Transient flush failure, retrying",
				zap.String("batch", b.name), zap.Int("size", len(b.buf)), zap.Error(err))
		}
		return n, err
	})
	if err != nil {
		return fmt.Errorf("failed to flush %d %s: %w", len(b.buf), b.name, err)
	}
	b.logger.Debug("Flushed batch",
		zap.String("batch", b.name), zap.Int("size", len(b.buf)), zap.Int("written", n))
	b.written += n
	b.flushes++
	b.buf = b.buf[:0]
	return nil
}

// Pending returns the number of buffered records.
func (b *Batcher[T]) Pending() int { return len(b.buf) }

// Added returns how many records were handed to Add.
func (b *Batcher[T]) Added() int { return b.added }

// Written returns the rows reported written by successful flushes.
func (b *Batcher[T]) Written() int { return b.written }

// Flushes returns the number of successful flushes.
func (b *Batcher[T]) Flushes() int { return b.flushes }
