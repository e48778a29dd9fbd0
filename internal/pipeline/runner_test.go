package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/storage"
)

func TestRunner_ParseThenGeometry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.ingest(t, threeElements)

	events, stop := f.orch.Events().Subscribe(m.ID)
	defer stop()

	r := NewRunner(f.orch, WithMaxConcurrent(1))
	defer r.Close()
	require.NoError(t, r.SubmitParse(ctx, m.ID))
	r.Wait()

	got, err := f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingParsed, got.ParsingStatus)
	assert.Equal(t, models.GeometryPartial, got.GeometryStatus)

	var seen []string
	for len(events) > 0 {
		ev := <-events
		seen = append(seen, string(ev.Status.ParsingStatus)+"/"+string(ev.Status.GeometryStatus))
	}
	assert.Equal(t, []string{
		"parsing/pending",
		"parsed/pending",
		"parsed/extracting",
		"parsed/partial",
	}, seen)
}

func TestRunner_NoAutoGeometry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.ingest(t, threeElements)

	r := NewRunner(f.orch, WithAutoGeometry(false))
	defer r.Close()

	assert.ErrorIs(t, r.SubmitGeometry(ctx, m.ID), ErrNotParsed)
	require.NoError(t, r.SubmitParse(ctx, m.ID))
	r.Wait()

	got, err := f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingParsed, got.ParsingStatus)
	assert.Equal(t, models.GeometryPending, got.GeometryStatus)

	require.NoError(t, r.SubmitGeometry(ctx, m.ID))
	r.Wait()
	got, err = f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GeometryPartial, got.GeometryStatus)
}

func TestRunner_BusyAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.ingest(t, threeElements)

	// Hold the only slot so the job stays queued.
	r := NewRunner(f.orch, WithMaxConcurrent(1))
	defer r.Close()
	r.slots <- struct{}{}

	require.NoError(t, r.SubmitParse(ctx, m.ID))
	layer, ok := r.Active(m.ID)
	assert.True(t, ok)
	assert.Equal(t, models.LayerParse, layer)
	assert.ErrorIs(t, r.SubmitParse(ctx, m.ID), ErrBusy)

	assert.True(t, r.Cancel(m.ID))
	r.Wait()
	<-r.slots

	_, ok = r.Active(m.ID)
	assert.False(t, ok)
	assert.False(t, r.Cancel(m.ID))

	got, err := f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingPending, got.ParsingStatus, "a cancelled run leaves the model resumable")

	require.NoError(t, r.SubmitParse(ctx, m.ID))
	r.Wait()
	got, err = f.store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingParsed, got.ParsingStatus)
}

func TestRunner_UnknownModel(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(f.orch)
	defer r.Close()
	assert.ErrorIs(t, r.SubmitParse(context.Background(), "missing"), storage.ErrNotFound)
}

func TestRunner_Closed(t *testing.T) {
	f := newFixture(t)
	m := f.ingest(t, threeElements)
	r := NewRunner(f.orch)
	r.Close()
	assert.ErrorIs(t, r.SubmitParse(context.Background(), m.ID), ErrClosed)
}

func TestRunParse_Cancelled(t *testing.T) {
	f := newFixture(t)
	m := f.ingest(t, threeElements)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.RunParse(ctx, m.ID)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := f.store.GetModel(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParsingPending, got.ParsingStatus)
}

func TestEvents_SubscribeFilter(t *testing.T) {
	e := NewEvents()
	all, stopAll := e.Subscribe("")
	one, stopOne := e.Subscribe("a")

	e.Publish(StatusEvent{Status: models.ModelStatus{ModelID: "a"}})
	e.Publish(StatusEvent{Status: models.ModelStatus{ModelID: "b"}})

	assert.Len(t, all, 2)
	assert.Len(t, one, 1)
	ev := <-one
	assert.Equal(t, "a", ev.Status.ModelID)
	assert.False(t, ev.At.IsZero())

	stopOne()
	stopOne()
	_, open := <-one
	assert.False(t, open)

	e.Close()
	stopAll()
	for range all {
	}
	e.Publish(StatusEvent{})
}

func TestEvents_SlowSubscriberDoesNotBlock(t *testing.T) {
	e := NewEvents()
	ch, stop := e.Subscribe("")
	defer stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			e.Publish(StatusEvent{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}
