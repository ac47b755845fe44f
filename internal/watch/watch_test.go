package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weldr-dev/runr/internal/runtypes"
)

func writeLine(t *testing.T, f *os.File, ev runtypes.Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	_, err = f.Write(append(data, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
}

func TestWatcherEmitsAppendedEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeline.jsonl")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()

	w, err := New(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	writeLine(t, f, runtypes.Event{Seq: 1, Timestamp: time.Now().UTC(), Type: runtypes.EventRunStarted, Source: runtypes.SourceCLI})

	select {
	case ev := <-w.Events():
		assert.Equal(t, int64(1), ev.Seq)
		assert.Equal(t, runtypes.EventRunStarted, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher to emit appended event")
	}
}

func TestNewStartsAtCurrentOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "timeline.jsonl")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	writeLine(t, f, runtypes.Event{Seq: 1, Timestamp: time.Now().UTC(), Type: runtypes.EventRunStarted, Source: runtypes.SourceCLI})

	w, err := New(path, nil)
	require.NoError(t, err)
	defer w.Stop()
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	writeLine(t, f, runtypes.Event{Seq: 2, Timestamp: time.Now().UTC(), Type: runtypes.EventRunComplete, Source: runtypes.SourceSupervisor})

	select {
	case ev := <-w.Events():
		assert.Equal(t, int64(2), ev.Seq, "backlog event (seq=1) must not be replayed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher to emit post-New event")
	}
}
