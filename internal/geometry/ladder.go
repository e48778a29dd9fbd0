package geometry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/bimingest/internal/models"
)

// Rung names.
const (
	RungFull        = "full"
	RungSimplified  = "simplified"
	RungBoundingBox = "bounding_box"
)

// Source is the decoder surface the ladder extracts from.
type Source interface {
	HasRepresentation(id int) bool
	Tessellate(ctx context.Context, id int, s Settings) (*Mesh, error)
	Footprint(ctx context.Context, id int, s Settings) (*Mesh, error)
}

// Strategy turns one element's representation into a mesh or an error.
type Strategy func(ctx context.Context, src Source, id int, s Settings) (*Mesh, error)

// Tessellation is the strategy behind the full and simplified rungs.
func Tessellation(ctx context.Context, src Source, id int, s Settings) (*Mesh, error) {
	return src.Tessellate(ctx, id, s)
}

// BoundingBox is the strategy behind the last rung.
func BoundingBox(ctx context.Context, src Source, id int, s Settings) (*Mesh, error) {
	return src.Footprint(ctx, id, s)
}

// Rung is one step of the fallback ladder.
type Rung struct {
	Name     string
	Status   models.GeometryStatus
	Settings Settings
	Extract  Strategy
}

// DefaultRungs returns full, simplified and bounding-box rungs derived from base.
func DefaultRungs(base Settings) []Rung {
	full := base
	full.DisableAdvancedBRep = false
	simplified := base
	simplified.DisableAdvancedBRep = true
	return []Rung{
		{Name: RungFull, Status: models.GeometryCompleted, Settings: full, Extract: Tessellation},
		{Name: RungSimplified, Status: models.GeometryCompleted, Settings: simplified, Extract: Tessellation},
		{Name: RungBoundingBox, Status: models.GeometryPartial, Settings: base, Extract: BoundingBox},
	}
}

// Attempt records one failed rung.
type Attempt struct {
	Rung    string
	Err     error
	Elapsed time.Duration
}

// Result is the outcome of running the ladder for one element.
type Result struct {
	Mesh     *Mesh
	Status   models.GeometryStatus
	Rung     string
	Attempts []Attempt
}

// Ladder tries its rungs in order until one yields a non-empty mesh.
type Ladder struct {
	Rungs []Rung
	// Timeout bounds each rung; zero means no limit.
	Timeout time.Duration
}

// NewLadder returns the default three-rung ladder.
func NewLadder(base Settings, timeout time.Duration) *Ladder {
	return &Ladder{Rungs: DefaultRungs(base), Timeout: timeout}
}

// Run extracts geometry for element id. Exhausting the ladder is not an error:
// the result then has status failed. Only cancellation of ctx is returned.
func (l *Ladder) Run(ctx context.Context, src Source, id int) (Result, error) {
	res := Result{Status: models.GeometryFailed}
	if !src.HasRepresentation(id) {
		res.Attempts = append(res.Attempts, Attempt{Err: ErrNoRepresentation})
		return res, nil
	}
	for _, r := range l.Rungs {
		start := time.Now()
		m, err := l.attempt(ctx, r, src, id)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		if err == nil && m.Empty() {
			err = &KernelError{Item: r.Name, Reason: "empty mesh"}
		}
		if err == nil {
			res.Mesh, res.Status, res.Rung = m, r.Status, r.Name
			return res, nil
		}
		res.Attempts = append(res.Attempts, Attempt{Rung: r.Name, Err: err, Elapsed: time.Since(start)})
		if errors.Is(err, ErrNoRepresentation) {
			break
		}
	}
	return res, nil
}

// attempt runs one rung in its own goroutine so a rung that ignores its
// context still cannot hold the caller past the timeout.
func (l *Ladder) attempt(ctx context.Context, r Rung, src Source, id int) (*Mesh, error) {
	rctx, cancel := ctx, context.CancelFunc(func() {})
	if l.Timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, l.Timeout)
	}
	defer cancel()

	type outcome struct {
		mesh *Mesh
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &KernelError{ID: id, Item: r.Name, Reason: fmt.Sprintf("panic: %v", p)}}
			}
		}()
		m, err := r.Extract(rctx, src, id, r.Settings)
		done <- outcome{m, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s rung after %s", ErrTimeout, r.Name, l.Timeout)
		}
		return out.mesh, out.err
	case <-rctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s rung after %s", ErrTimeout, r.Name, l.Timeout)
	}
}
