package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weldr-dev/runr/internal/credentials"
)

type fakeWorker struct {
	name string
}

func (f *fakeWorker) Name() string { return f.name }
func (f *fakeWorker) PlanTask(ctx context.Context, req Request) (*Plan, error) {
	return &Plan{}, nil
}
func (f *fakeWorker) Implement(ctx context.Context, req Request) (*Implementation, error) {
	return &Implementation{}, nil
}
func (f *fakeWorker) Review(ctx context.Context, req Request) (*Review, error) {
	return &Review{Verdict: VerdictApproved}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("claude", &fakeWorker{name: "claude"})

	w, err := r.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", w.Name())
}

func TestRegistryGetUnknownReturnsWorkerUnavailable(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_unavailable")
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register("codex", &fakeWorker{name: "codex"})
	r.Register("claude", &fakeWorker{name: "claude"})
	assert.ElementsMatch(t, []string{"codex", "claude"}, r.Names())
}

func TestDefaultRegistryHasCodexAndClaude(t *testing.T) {
	reg := DefaultRegistry(credentials.NewRegistry())
	assert.ElementsMatch(t, []string{"codex", "claude"}, reg.Names())
}
