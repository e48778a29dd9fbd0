package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/models"
)

// ErrClosed is returned by a Runner that no longer accepts work.
var ErrClosed = errors.New("runner is closed")

// Runner schedules layer runs in the background. Models run in parallel up
// to a bound; a model has at most one active job, which runs its layers in
// sequence.
type Runner struct {
	orch         *Orchestrator
	autoGeometry bool
	slots        chan struct{}
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

type job struct {
	layer  models.Layer
	cancel context.CancelFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAutoGeometry makes a successful Layer 1 run continue with Layer 2.
func WithAutoGeometry(enabled bool) RunnerOption {
	return func(r *Runner) {
		r.autoGeometry = enabled
	}
}

// WithMaxConcurrent bounds how many layer runs execute at once.
func WithMaxConcurrent(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.slots = make(chan struct{}, n)
		}
	}
}

// NewRunner creates a runner over orch. By default Layer 2 follows Layer 1
// and two models run at once.
func NewRunner(orch *Orchestrator, opts ...RunnerOption) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		orch:         orch,
		autoGeometry: true,
		slots:        make(chan struct{}, 2),
		logger:       orch.logger.Named("runner"),
		ctx:          ctx,
		cancel:       cancel,
		jobs:         make(map[string]*job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SubmitParse schedules Layer 1 (and Layer 2 after it, if enabled).
func (r *Runner) SubmitParse(ctx context.Context, modelID string) error {
	if _, err := r.orch.store.GetModel(ctx, modelID); err != nil {
		return err
	}
	return r.start(modelID, models.LayerParse, r.autoGeometry)
}

// SubmitParseOnly schedules Layer 1 without the automatic Layer 2 run.
func (r *Runner) SubmitParseOnly(ctx context.Context, modelID string) error {
	if _, err := r.orch.store.GetModel(ctx, modelID); err != nil {
		return err
	}
	return r.start(modelID, models.LayerParse, false)
}

// SubmitGeometry schedules Layer 2 for a parsed model.
func (r *Runner) SubmitGeometry(ctx context.Context, modelID string) error {
	m, err := r.orch.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if !m.Queryable() {
		return fmt.Errorf("model %s: %w", modelID, ErrNotParsed)
	}
	return r.start(modelID, models.LayerGeometry, false)
}

// Active returns the layer currently scheduled for modelID.
func (r *Runner) Active(modelID string) (models.Layer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[modelID]
	if !ok {
		return "", false
	}
	return j.layer, true
}

// Cancel stops the active job of modelID. It reports whether there was one.
func (r *Runner) Cancel(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[modelID]
	if ok {
		j.cancel()
	}
	return ok
}

// Wait blocks until no job is running.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close stops accepting work, cancels running jobs and waits for them to
// leave their models in a resumable state.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) start(modelID string, layer models.Layer, chain bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if j, ok := r.jobs[modelID]; ok {
		return fmt.Errorf("model %s (%s): %w", modelID, j.layer, ErrBusy)
	}
	ctx, cancel := context.WithCancel(r.ctx)
	j := &job{layer: layer, cancel: cancel}
	r.jobs[modelID] = j

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.jobs, modelID)
			r.mu.Unlock()
			cancel()
		}()
		r.run(ctx, modelID, j, chain)
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, modelID string, j *job, chain bool) {
	logger := r.logger.With(zap.String("model_id", modelID))
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered panic in layer run", zap.Any("panic", p))
		}
	}()

	if j.layer == models.LayerParse {
		report, err := r.slot(ctx, func() (*models.ProcessingReport, error) {
			return r.orch.RunParse(ctx, modelID)
		})
		if err != nil {
			logger.Warn("Layer 1 did not complete", zap.Error(err))
			return
		}
		if !chain || report.Status == models.ReportFailed {
			return
		}
		r.mu.Lock()
		j.layer = models.LayerGeometry
		r.mu.Unlock()
	}

	if _, err := r.slot(ctx, func() (*models.ProcessingReport, error) {
		return r.orch.RunGeometry(ctx, modelID)
	}); err != nil {
		logger.Warn("Layer 2 did not complete", zap.Error(err))
	}
}

// slot runs fn while holding one concurrency slot.
func (r *Runner) slot(ctx context.Context, fn func() (*models.ProcessingReport, error)) (*models.ProcessingReport, error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.slots }()
	return fn()
}
