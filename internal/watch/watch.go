// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch live-tails a run's timeline.jsonl, emitting newly
// appended events as they're written so "runr watch <run-id>" can
// follow a run without polling. It is grounded on the teacher's
// internal/controller/filewatcher.Watcher (single-path fsnotify wrapper
// with a buffered event channel and a Stop/done handshake), narrowed
// from generic file-change notification to "decode every new line
// appended since the last Write event".
package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// Watcher tails one run's timeline.jsonl.
type Watcher struct {
	path      string
	fsw       *fsnotify.Watcher
	eventChan chan runtypes.Event
	errChan   chan error
	logger    *slog.Logger
	offset    int64
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New returns a Watcher tailing timelinePath, starting at its current
// size so only events appended after New is called are emitted —
// callers that also want the backlog should ReadTimeline first and
// then New to pick up from there.
func New(timelinePath string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	var offset int64
	if info, err := os.Stat(timelinePath); err == nil {
		offset = info.Size()
	}

	if err := fsw.Add(timelinePath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: watch %s: %w", timelinePath, err)
	}

	return &Watcher{
		path:      timelinePath,
		fsw:       fsw,
		eventChan: make(chan runtypes.Event, 64),
		errChan:   make(chan error, 1),
		logger:    logger.With("component", "watch", "path", timelinePath),
		offset:    offset,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Events returns the channel new timeline entries are delivered on.
// It is closed when the watcher stops.
func (w *Watcher) Events() <-chan runtypes.Event { return w.eventChan }

// Errors returns the channel fsnotify errors are delivered on. Read
// failures are only logged, and a line that does not decode is
// skipped without any error being reported.
func (w *Watcher) Errors() <-chan error { return w.errChan }

// Start begins tailing in a background goroutine until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop halts tailing and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.eventChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.drain()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch: fsnotify error", "error", err)
			select {
			case w.errChan <- err:
			default:
			}
		}
	}
}

// drain reads every complete line appended since the last known
// offset and decodes it, advancing offset only past the last newline
// actually present. A line still mid-write (no trailing newline yet)
// is left unconsumed and picked up whole on the next Write
// notification instead of being split across two reads.
func (w *Watcher) drain() {
	f, err := os.Open(w.path)
	if err != nil {
		w.logger.Warn("watch: reopen timeline", "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		w.logger.Warn("watch: seek timeline", "error", err)
		return
	}

	buf, err := io.ReadAll(f)
	if err != nil {
		w.logger.Warn("watch: read timeline", "error", err)
		return
	}

	lastNewline := bytes.LastIndexByte(buf, '\n')
	if lastNewline < 0 {
		return
	}

	for _, line := range bytes.Split(buf[:lastNewline], []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev runtypes.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		select {
		case w.eventChan <- ev:
		default:
			w.logger.Warn("watch: event channel full, dropping event", "seq", ev.Seq)
		}
	}
	w.offset += int64(lastNewline) + 1
}
