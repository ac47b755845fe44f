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

// Package fingerprint captures the environment snapshot spec §4.9
// describes: runtime version, OS/arch, key tool versions, a config
// hash, and lockfile content hashes. It is captured once at run start
// and re-captured at resume so the resume engine can diff the two and
// surface drift (spec §4.7 step 3). Grounded on the teacher's
// internal/lifecycle health-probe idiom of shelling out to a binary
// and trimming its version output, generalized from a liveness check
// to an identity snapshot.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// toolProbes names the external tool binaries worth recording a
// version for, and the flag that prints it. Kept small and fixed
// rather than config-driven: these are the tools whose drift across a
// resume boundary is worth a warning (spec §4.9 "key_tool_versions").
var toolProbes = map[string]string{
	"git": "--version",
}

// lockfileNames are the lockfiles whose content hash is worth tracking
// per repo root, matching resume's own isLockfilePath set.
var lockfileNames = []string{
	"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "go.sum", "Cargo.lock", "poetry.lock",
}

// Capture builds a Fingerprint for the current machine and repoRoot.
// configBytes is the raw config.snapshot.json payload (or equivalent),
// hashed into ConfigHash so a config edit between runs shows up as
// drift without needing to compare the whole document.
func Capture(ctx context.Context, repoRoot string, configBytes []byte) runtypes.Fingerprint {
	fp := runtypes.Fingerprint{
		NodeOrRuntimeVersion: runtime.Version(),
		OS:                   runtime.GOOS,
		Arch:                 runtime.GOARCH,
		KeyToolVersions:      probeTools(ctx),
		ConfigHash:           hashBytes(configBytes),
		LockfileHashes:       hashLockfiles(repoRoot),
		CapturedAt:           time.Now().UTC(),
	}
	return fp
}

func probeTools(ctx context.Context) map[string]string {
	out := make(map[string]string, len(toolProbes))
	for name, flag := range toolProbes {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		cmd := exec.CommandContext(ctx, path, flag)
		raw, err := cmd.Output()
		if err != nil {
			continue
		}
		out[name] = strings.TrimSpace(strings.SplitN(string(raw), "\n", 2)[0])
	}
	return out
}

func hashLockfiles(repoRoot string) map[string]string {
	if repoRoot == "" {
		return nil
	}
	out := make(map[string]string)
	for _, name := range lockfileNames {
		data, err := os.ReadFile(filepath.Join(repoRoot, name))
		if err != nil {
			continue
		}
		out[name] = hashBytes(data)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func hashBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
