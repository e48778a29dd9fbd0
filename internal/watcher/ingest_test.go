package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/bimingest/internal/models"
	"github.com/hyperjump/bimingest/internal/pipeline"
)

type fakeIngester struct {
	seen map[string]bool
	reqs []pipeline.IngestRequest
}

func (f *fakeIngester) Ingest(_ context.Context, req pipeline.IngestRequest) (*models.Model, bool, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, false, err
	}
	f.reqs = append(f.reqs, req)
	id := "model-" + string(body)
	if f.seen[id] {
		return &models.Model{ID: id}, false, nil
	}
	f.seen[id] = true
	return &models.Model{ID: id}, true, nil
}

type fakeScheduler struct{ submitted []string }

func (f *fakeScheduler) SubmitParse(_ context.Context, id string) error {
	f.submitted = append(f.submitted, id)
	return nil
}

func TestPipelineHandler_FileReady(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.ifc")
	b := filepath.Join(dir, "copy-of-a.ifc")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0600))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0600))

	ing := &fakeIngester{seen: map[string]bool{}}
	sched := &fakeScheduler{}
	h := NewPipelineHandler(ing, sched, nil)

	require.NoError(t, h.FileReady(context.Background(), a))
	require.NoError(t, h.FileReady(context.Background(), b))

	require.Len(t, ing.reqs, 2)
	assert.Equal(t, "a.ifc", ing.reqs[0].Filename)
	assert.True(t, ing.reqs[0].ContentAddressed)
	assert.Equal(t, []string{"model-same"}, sched.submitted, "identical content is scheduled once")

	assert.Error(t, h.FileReady(context.Background(), filepath.Join(dir, "missing.ifc")))
	h.FileRemoved(a)
}
