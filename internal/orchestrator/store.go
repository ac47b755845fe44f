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

package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/weldr-dev/runr/internal/runtypes"
)

const dirHandoffs = "handoffs"

// OrchestrationDir returns the on-disk root for orchID under repoRoot,
// matching spec §6.1's <repo>/.agent/orchestrations/<orch_id>/ layout.
func OrchestrationDir(repoRoot, orchID string) string {
	return filepath.Join(repoRoot, ".agent", "orchestrations", orchID)
}

// Store persists one OrchestratorState and its terminal handoff
// artifacts. It mirrors runstore.Store's write-temp-then-rename
// discipline (spec §4.1, §5 "Durability discipline") at the smaller
// scale an orchestration needs: one state.json plus a handoffs/ dir,
// no append-only timeline.
type Store struct {
	dir string
}

// OpenStore returns a Store rooted at dir without creating anything.
func OpenStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the orchestration directory this Store is rooted at.
func (s *Store) Dir() string { return s.dir }

// Init idempotently creates the orchestration directory tree.
func (s *Store) Init() error {
	for _, sub := range []string{"", dirHandoffs} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return fmt.Errorf("orchestrator: init %s: %w", sub, err)
		}
	}
	return nil
}

// ReadState reads state.json. Returns (nil, nil) if absent.
func (s *Store) ReadState() (*runtypes.OrchestratorState, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, "state.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read state.json: %w", err)
	}
	var st runtypes.OrchestratorState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("orchestrator: parse state.json: %w", err)
	}
	return &st, nil
}

// WriteState overwrites state.json wholesale.
func (s *Store) WriteState(st *runtypes.OrchestratorState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal state.json: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, "state.json"), raw)
}

// WriteHandoff writes one named blob under handoffs/.
func (s *Store) WriteHandoff(name string, data []byte) error {
	return writeFileAtomic(filepath.Join(s.dir, dirHandoffs, name), data)
}

// ReadHandoff reads one named blob under handoffs/. Returns (nil, nil)
// if absent, so callers can probe for complete.json/stop.json without
// a separate Stat.
func (s *Store) ReadHandoff(name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, dirHandoffs, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return raw, err
}

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
