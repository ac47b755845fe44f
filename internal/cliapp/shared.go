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

// Package cliapp holds the global flag state, exit-code vocabulary, and
// styling shared across every "runr" subcommand, grounded on the
// teacher's internal/commands/shared (flags.go's package-level flag
// pointers, exit_codes.go's ExitError, styles.go's lipgloss palette).
package cliapp

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	configFlag  string

	version = "dev"
	commit  = "unknown"
)

// RegisterFlagPointers returns pointers bound to the root command's
// persistent flags.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &verboseFlag, &quietFlag, &jsonFlag, &configFlag
}

// SetVersion records build-time version info for the version command.
func SetVersion(v, c string) { version, commit = v, c }

// GetVersion returns the recorded version info.
func GetVersion() (string, string) { return version, commit }

// GetVerbose reports whether -v/--verbose was set.
func GetVerbose() bool { return verboseFlag }

// GetQuiet reports whether -q/--quiet was set.
func GetQuiet() bool { return quietFlag }

// GetJSON reports whether --json was set.
func GetJSON() bool { return jsonFlag }

// GetConfigPath returns the --config flag value.
func GetConfigPath() string { return configFlag }

// Exit codes. Guard/verification/worker stops each get their own code
// so CI scripts can branch on why a run stopped without parsing text.
const (
	ExitSuccess            = 0
	ExitRunFailed          = 1
	ExitGuardViolation     = 2
	ExitVerificationFailed = 3
	ExitWorkerUnavailable  = 4
	ExitRunNotFound        = 5
)

// ExitError carries the process exit code alongside the error message,
// the way the teacher's ExitError does, so cobra's RunE can return a
// normal error and HandleExitError decides the process's fate.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// NewExitError wraps cause under msg at the given exit code.
func NewExitError(code int, msg string, cause error) *ExitError {
	return &ExitError{Code: code, Message: msg, Cause: cause}
}

// HandleExitError prints err and exits the process with its code, or
// ExitRunFailed for an error with no carried code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	os.Exit(ExitRunFailed)
}

// Status styling, matching the teacher's lipgloss palette.
var (
	StatusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	StatusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	StatusInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	Muted       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	Bold        = lipgloss.NewStyle().Bold(true)
	Header      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// Status symbols.
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
)

// RenderOK renders a green checkmark line.
func RenderOK(msg string) string { return StatusOK.Render(SymbolOK) + " " + msg }

// RenderWarn renders an orange warning line.
func RenderWarn(msg string) string { return StatusWarn.Render(SymbolWarn) + " " + msg }

// RenderFail renders a red failure line.
func RenderFail(msg string) string { return StatusError.Render(SymbolError) + " " + msg }
