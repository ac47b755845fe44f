package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weldr-dev/runr/internal/runtypes"
	"github.com/weldr-dev/runr/internal/verifier"
)

func TestSelectTier0Always(t *testing.T) {
	p := NewPolicy(nil)
	tiers, reasons, err := p.Select(Input{RiskLevel: runtypes.RiskLow})
	require.NoError(t, err)
	assert.Equal(t, []string{verifier.Tier0}, tiers)
	assert.Len(t, reasons, 1)
}

func TestSelectTier1OnMediumRisk(t *testing.T) {
	p := NewPolicy(nil)
	tiers, _, err := p.Select(Input{RiskLevel: runtypes.RiskMedium})
	require.NoError(t, err)
	assert.Equal(t, []string{verifier.Tier0, verifier.Tier1}, tiers)
}

func TestSelectTier1OnMilestoneEnd(t *testing.T) {
	p := NewPolicy(nil)
	tiers, _, err := p.Select(Input{RiskLevel: runtypes.RiskLow, IsMilestoneEnd: true})
	require.NoError(t, err)
	assert.Equal(t, []string{verifier.Tier0, verifier.Tier1}, tiers)
}

func TestSelectTier2OnHighRisk(t *testing.T) {
	p := NewPolicy(nil)
	tiers, _, err := p.Select(Input{RiskLevel: runtypes.RiskHigh})
	require.NoError(t, err)
	assert.Equal(t, []string{verifier.Tier0, verifier.Tier1, verifier.Tier2}, tiers)
}

func TestSelectTier2OnRunEnd(t *testing.T) {
	p := NewPolicy(nil)
	tiers, _, err := p.Select(Input{RiskLevel: runtypes.RiskLow, IsRunEnd: true})
	require.NoError(t, err)
	assert.Equal(t, []string{verifier.Tier0, verifier.Tier2}, tiers)
}

func TestSelectTier1OnRiskTriggerMatch(t *testing.T) {
	trigger, err := CompileTrigger("migrations", `path contains "migrations/"`)
	require.NoError(t, err)

	p := NewPolicy([]*Trigger{trigger})
	tiers, reasons, err := p.Select(Input{RiskLevel: runtypes.RiskLow, ChangedFiles: []string{"migrations/0001_init.sql"}})
	require.NoError(t, err)
	assert.Equal(t, []string{verifier.Tier0, verifier.Tier1}, tiers)
	assert.Contains(t, reasons[1], "migrations")
}

func TestSelectNoTier1WhenNoTriggerMatches(t *testing.T) {
	trigger, err := CompileTrigger("migrations", `path contains "migrations/"`)
	require.NoError(t, err)

	p := NewPolicy([]*Trigger{trigger})
	tiers, _, err := p.Select(Input{RiskLevel: runtypes.RiskLow, ChangedFiles: []string{"src/a.ts"}})
	require.NoError(t, err)
	assert.Equal(t, []string{verifier.Tier0}, tiers)
}

func TestCompileTriggerRejectsBadExpression(t *testing.T) {
	_, err := CompileTrigger("bad", "path contains (")
	assert.Error(t, err)
}
