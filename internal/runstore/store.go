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

// Package runstore is the durable per-run event log plus derived state
// and artifact directory (spec §4.1). The timeline (timeline.jsonl) and
// seq.txt are the source of truth; state.json is a rebuilt projection
// that is always overwritten wholesale, never patched in place, so a
// crashed write never leaves half-state on disk. A sqlite index is
// layered on top as an optional queryable cache over the same log,
// rebuilt by replay rather than trusted as truth.
package runstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// layout names the fixed files and directories under one run directory
// (spec §6.1).
const (
	dirArtifacts = "artifacts"
	dirHandoffs  = "handoffs"
	fileTimeline = "timeline.jsonl"
	fileSeq      = "seq.txt"
	fileState    = "state.json"
	fileConfig   = "config.snapshot.json"
	fileFinger   = "fingerprint.json"
	fileSummary  = "summary.md"
)

// Store is the append-only event log and derived-state store for one run.
type Store struct {
	mu  sync.Mutex
	dir string
}

// RunDir returns the on-disk root for runID under repoRoot, matching
// spec §6.1's <repo>/.agent/runs/<run_id>/ layout.
func RunDir(repoRoot string, runID runtypes.RunID) string {
	return filepath.Join(repoRoot, ".agent", "runs", string(runID))
}

// Open returns a Store rooted at dir without creating anything; callers
// that need a fresh run directory should call Init first.
func Open(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the run directory this Store is rooted at.
func (s *Store) Dir() string { return s.dir }

// TimelinePath returns the absolute path to timeline.jsonl, for callers
// (internal/watch) that need to fsnotify.Add it directly rather than
// going through Store's read API.
func (s *Store) TimelinePath() string { return filepath.Join(s.dir, fileTimeline) }

// Init idempotently creates the run directory tree. It never fails if
// the tree already exists (spec §4.1 "no failure if present").
func (s *Store) Init() error {
	for _, sub := range []string{"", dirArtifacts, dirHandoffs} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return fmt.Errorf("runstore: init %s: %w", sub, err)
		}
	}
	seqPath := filepath.Join(s.dir, fileSeq)
	if _, err := os.Stat(seqPath); os.IsNotExist(err) {
		if err := writeFileAtomic(seqPath, []byte("0")); err != nil {
			return fmt.Errorf("runstore: init seq.txt: %w", err)
		}
	}
	timelinePath := filepath.Join(s.dir, fileTimeline)
	if _, err := os.Stat(timelinePath); os.IsNotExist(err) {
		f, err := os.OpenFile(timelinePath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("runstore: init timeline.jsonl: %w", err)
		}
		f.Close()
	}
	return nil
}

// AppendEvent atomically allocates the next seq, stamps the timestamp,
// and appends one JSON line to timeline.jsonl (spec §4.1). The append
// is flushed before seq.txt is advanced, so a reader folding the log
// never observes a seq gap for a line that was never durably written.
func (s *Store) AppendEvent(evType runtypes.EventType, source runtypes.EventSource, payload map[string]any) (runtypes.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.peekNextSeq()
	if err != nil {
		return runtypes.Event{}, err
	}

	ev := runtypes.Event{
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Type:      evType,
		Source:    source,
		Payload:   payload,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return runtypes.Event{}, fmt.Errorf("runstore: marshal event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, fileTimeline), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return runtypes.Event{}, fmt.Errorf("runstore: open timeline.jsonl: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return runtypes.Event{}, fmt.Errorf("runstore: append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return runtypes.Event{}, fmt.Errorf("runstore: fsync timeline.jsonl: %w", err)
	}

	if err := s.commitSeq(seq); err != nil {
		return runtypes.Event{}, err
	}

	return ev, nil
}

// peekNextSeq computes the next sequence number without persisting it;
// commitSeq persists it only once the event line is durably appended.
func (s *Store) peekNextSeq() (int64, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, fileSeq))
	if err != nil {
		return 0, fmt.Errorf("runstore: read seq.txt: %w", err)
	}
	cur, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("runstore: parse seq.txt: %w", err)
	}
	return cur + 1, nil
}

func (s *Store) commitSeq(seq int64) error {
	return writeFileAtomic(filepath.Join(s.dir, fileSeq), []byte(strconv.FormatInt(seq, 10)))
}

// ReadTimeline reads every event in timeline.jsonl, in append order.
// Malformed trailing lines (a crash mid-write) are skipped rather than
// failing the whole read, since the seq counter already guards against
// treating a partial line as truth.
func (s *Store) ReadTimeline() ([]runtypes.Event, error) {
	f, err := os.Open(filepath.Join(s.dir, fileTimeline))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: open timeline.jsonl: %w", err)
	}
	defer f.Close()

	var events []runtypes.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var ev runtypes.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("runstore: scan timeline.jsonl: %w", err)
	}
	return events, nil
}

// ReadState reads the state.json snapshot. Returns (nil, nil) if absent.
func (s *Store) ReadState() (*runtypes.RunState, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, fileState))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: read state.json: %w", err)
	}
	var st runtypes.RunState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("runstore: parse state.json: %w", err)
	}
	if st.Phase == "DONE" {
		st.Phase = runtypes.PhaseStopped
	}
	return &st, nil
}

// WriteState overwrites state.json wholesale via write-temp-then-rename
// (spec §4.1 "Writes must be whole-file replacements").
func (s *Store) WriteState(st *runtypes.RunState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal state.json: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, fileState), raw)
}

// ReadFingerprint reads fingerprint.json. Returns (nil, nil) if absent.
func (s *Store) ReadFingerprint() (*runtypes.Fingerprint, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, fileFinger))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: read fingerprint.json: %w", err)
	}
	var fp runtypes.Fingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, fmt.Errorf("runstore: parse fingerprint.json: %w", err)
	}
	return &fp, nil
}

// WriteFingerprint overwrites fingerprint.json atomically.
func (s *Store) WriteFingerprint(fp *runtypes.Fingerprint) error {
	raw, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal fingerprint.json: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, fileFinger), raw)
}

// WriteConfigSnapshot persists the effective config used for this run,
// so resume can diff against it later.
func (s *Store) WriteConfigSnapshot(cfg any) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal config.snapshot.json: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, fileConfig), raw)
}

// ReadConfigSnapshot reads back the raw bytes of config.snapshot.json,
// for callers that only need to check presence or hash it.
func (s *Store) ReadConfigSnapshot() ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, fileConfig))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: read config.snapshot.json: %w", err)
	}
	return raw, nil
}

// WriteSummary writes the markdown stop receipt (spec §7 "detailed
// multi-section diagnostic").
func (s *Store) WriteSummary(markdown string) error {
	return writeFileAtomic(filepath.Join(s.dir, fileSummary), []byte(markdown))
}

// WriteArtifact writes a blob under artifacts/, creating parent
// directories as needed (artifacts may be namespaced, e.g.
// "continue/<timestamp>/continue.json").
func (s *Store) WriteArtifact(name string, data []byte) error {
	return s.writeNamed(dirArtifacts, name, data)
}

// WriteMemo writes a blob under handoffs/.
func (s *Store) WriteMemo(name string, data []byte) error {
	return s.writeNamed(dirHandoffs, name, data)
}

// ReadArtifact reads a blob under artifacts/.
func (s *Store) ReadArtifact(name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, dirArtifacts, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return raw, err
}

// ReadMemo reads a blob under handoffs/.
func (s *Store) ReadMemo(name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, dirHandoffs, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return raw, err
}

func (s *Store) writeNamed(subdir, name string, data []byte) error {
	path := filepath.Join(s.dir, subdir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runstore: mkdir for %s: %w", name, err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes data to path via a temp file in the same
// directory followed by rename, so a crash never leaves a half-written
// file at path (spec §4.1, §5 "Durability discipline").
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
