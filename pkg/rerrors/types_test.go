package rerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &WorkerError{Kind: "parse_failed", Worker: "codex", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "parse_failed")
}

func TestGuardErrorMessage(t *testing.T) {
	err := &GuardError{Kind: "scope_violation", Violations: []string{".env"}}
	assert.Contains(t, err.Error(), ".env")
}

func TestSystemErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &SystemError{Op: "write_artifact", Cause: cause}
	assert.ErrorIs(t, err, cause)
}
