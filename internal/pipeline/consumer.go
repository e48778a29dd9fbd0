package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/bimingest/internal/models"
)

// consumerTimeout bounds one consumer call.
const consumerTimeout = time.Minute

// ModelEvent is handed to consumers when a layer run ends.
type ModelEvent struct {
	Model  *models.Model
	Layer  models.Layer
	Report *models.ProcessingReport
}

// Consumer is a Layer 3 participant such as a validator or a clash checker.
// It must rely only on the persisted entity table; geometry may be missing.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, ev ModelEvent) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	ID string
	Fn func(ctx context.Context, ev ModelEvent) error
}

// Name returns the consumer id.
func (c ConsumerFunc) Name() string { return c.ID }

// Consume calls Fn.
func (c ConsumerFunc) Consume(ctx context.Context, ev ModelEvent) error { return c.Fn(ctx, ev) }

// notify calls every consumer in registration order. Failures and panics are
// logged and never change the outcome of the layer.
func (o *Orchestrator) notify(m *models.Model, layer models.Layer, report *models.ProcessingReport) {
	if len(o.consumers) == 0 {
		return
	}
	snapshot := *m
	ev := ModelEvent{Model: &snapshot, Layer: layer, Report: report}
	for _, c := range o.consumers {
		if err := o.consume(c, ev); err != nil {
			o.logger.Warn("Consumer failed",
				zap.String("consumer", c.Name()),
				zap.String("model_id", m.ID),
				zap.String("layer", string(layer)),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) consume(c Consumer, ev ModelEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()
	return c.Consume(ctx, ev)
}
