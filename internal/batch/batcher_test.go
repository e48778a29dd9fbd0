package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/bimingest/internal/retry"
)

var fast = &retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

// uniqueSink mimics an ignore-on-conflict table.
type uniqueSink struct {
	rows  map[string]bool
	calls [][]string
}

func (s *uniqueSink) flush(_ context.Context, items []string) (int, error) {
	s.calls = append(s.calls, append([]string(nil), items...))
	n := 0
	for _, it := range items {
		if !s.rows[it] {
			s.rows[it] = true
			n++
		}
	}
	return n, nil
}

func TestBatcher_Threshold(t *testing.T) {
	sink := &uniqueSink{rows: map[string]bool{}}
	b := New(3, sink.flush, WithRetry(fast))
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c", "d", "a"} {
		require.NoError(t, b.Add(ctx, s))
	}
	assert.Len(t, sink.calls, 1)
	assert.Equal(t, 2, b.Pending())

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "a"}}, sink.calls)
	assert.Equal(t, 5, b.Added())
	assert.Equal(t, 4, b.Written(), "conflicting row is skipped, not an error")
	assert.Equal(t, 2, b.Flushes())

	require.NoError(t, b.Flush(ctx))
	assert.Len(t, sink.calls, 2, "empty flush is a no-op")
}

func TestBatcher_RetriesTransient(t *testing.T) {
	calls := 0
	b := New(2, func(_ context.Context, items []int) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("database is locked")
		}
		return len(items), nil
	}, WithRetry(fast), WithName("entities"))
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, 1))
	require.NoError(t, b.Add(ctx, 2))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, b.Written())
}

func TestBatcher_PermanentFailureKeepsBuffer(t *testing.T) {
	calls := 0
	b := New(1, func(context.Context, []int) (int, error) {
		calls++
		return 0, errors.New("no such table: entities")
	}, WithRetry(fast), WithName("entities"))
	err := b.Add(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to flush 1 entities")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, b.Pending())
}

func TestNew_DefaultSize(t *testing.T) {
	b := New[int](0, nil)
	assert.Equal(t, DefaultSize, b.size)
}
