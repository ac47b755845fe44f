package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandVerifierTier0Passes(t *testing.T) {
	v := NewCommandVerifier(CommandSet{Tier0: []string{"true"}}, time.Second)
	res, err := v.Verify(context.Background(), Tier0, t.TempDir())
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestCommandVerifierTier1Fails(t *testing.T) {
	v := NewCommandVerifier(CommandSet{Tier1: []string{"false"}}, time.Second)
	res, err := v.Verify(context.Background(), Tier1, t.TempDir())
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestCommandVerifierUnknownTier(t *testing.T) {
	v := NewCommandVerifier(CommandSet{}, time.Second)
	_, err := v.Verify(context.Background(), "tier9", t.TempDir())
	assert.Error(t, err)
}

func TestCommandVerifierSkipsUnconfiguredTier(t *testing.T) {
	v := NewCommandVerifier(CommandSet{}, time.Second)
	res, err := v.Verify(context.Background(), Tier2, t.TempDir())
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestCommandVerifierTimesOut(t *testing.T) {
	v := NewCommandVerifier(CommandSet{Tier1: []string{"sleep", "2"}}, 10*time.Millisecond)
	_, err := v.Verify(context.Background(), Tier1, t.TempDir())
	assert.Error(t, err)
}
