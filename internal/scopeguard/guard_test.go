package scopeguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedRequiresAllowlistMatch(t *testing.T) {
	g, err := New([]string{"internal/foo/**"}, nil, nil)
	require.NoError(t, err)

	assert.True(t, g.Allowed("internal/foo/bar.go"))
	assert.False(t, g.Allowed("internal/other/bar.go"))
}

func TestDenylistWinsOverAllowlist(t *testing.T) {
	g, err := New([]string{"internal/foo/**"}, []string{"internal/foo/secret.go"}, nil)
	require.NoError(t, err)

	assert.False(t, g.Allowed("internal/foo/secret.go"))
	assert.True(t, g.Allowed("internal/foo/bar.go"))
}

func TestEmptyAllowlistDeniesEverything(t *testing.T) {
	g, err := New(nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, g.Allowed("anything.go"))
}

func TestIsLockfile(t *testing.T) {
	g, err := New([]string{"**"}, nil, []string{"go.sum", "package-lock.json"})
	require.NoError(t, err)
	assert.True(t, g.IsLockfile("go.sum"))
	assert.False(t, g.IsLockfile("go.mod"))
}

func TestCheckPathsReportsAllViolations(t *testing.T) {
	g, err := New([]string{"internal/foo/**"}, nil, nil)
	require.NoError(t, err)

	err = g.CheckPaths([]string{"internal/foo/a.go", "internal/bar/b.go", "cmd/main.go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal/bar/b.go")
	assert.Contains(t, err.Error(), "cmd/main.go")
	assert.NotContains(t, err.Error(), "internal/foo/a.go")
}

func TestAllowedDoesNotMatchOnBasenameAlone(t *testing.T) {
	// A bare-name allow pattern must not admit a file buried in a
	// directory it never mentioned: only the full normalized path is
	// matched, never filepath.Base(path).
	g, err := New([]string{"bar.go"}, nil, nil)
	require.NoError(t, err)

	assert.True(t, g.Allowed("bar.go"))
	assert.False(t, g.Allowed("internal/foo/bar.go"))
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	_, err := New([]string{"internal/[foo"}, nil, nil)
	assert.Error(t, err)
}

func TestPatternsOverlap(t *testing.T) {
	assert.True(t, PatternsOverlap("internal/foo/**", "internal/foo/bar.go"))
	assert.True(t, PatternsOverlap("internal/foo/**", "internal/foo/**/*.go"))
	assert.False(t, PatternsOverlap("internal/foo/**", "internal/bar/**"))
	assert.True(t, PatternsOverlap("**", "internal/foo/**"))
}

func TestAnyOverlap(t *testing.T) {
	overlap, pa, pb := AnyOverlap([]string{"internal/foo/**"}, []string{"internal/bar/**", "internal/foo/x.go"})
	assert.True(t, overlap)
	assert.Equal(t, "internal/foo/**", pa)
	assert.Equal(t, "internal/foo/x.go", pb)

	overlap, _, _ = AnyOverlap([]string{"internal/foo/**"}, []string{"internal/bar/**"})
	assert.False(t, overlap)
}
