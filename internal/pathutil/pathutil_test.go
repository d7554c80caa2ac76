package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeTag(t *testing.T) {
	require.Equal(t, "run", SanitizeTag(""))
	require.Equal(t, "run", SanitizeTag("../../etc"))
	require.Equal(t, "my-run_1.2", SanitizeTag("my-run_1.2"))
	require.Equal(t, "weirdpath", SanitizeTag("weird/path:?"))
}

func TestResolveOutDirDefaultsUnderRunsDir(t *testing.T) {
	dir := t.TempDir()
	layout, err := NewLayout(filepath.Join(dir, "runs"), "")
	require.NoError(t, err)

	out, err := layout.ResolveOutDir("", "../evil")
	require.NoError(t, err)
	require.Equal(t, "evil", filepath.Base(out))
	require.True(t, isUnder(filepath.Join(dir, "runs"), out))
}

func TestResolveOutDirRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	layout, err := NewLayout(filepath.Join(dir, "runs"), "")
	require.NoError(t, err)

	_, err = layout.ResolveOutDir(filepath.Join(dir, "outside"), "")
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestResolveOutDirHonoursExtraRoot(t *testing.T) {
	dir := t.TempDir()
	extra := filepath.Join(dir, "extra")
	layout, err := NewLayout(filepath.Join(dir, "runs"), extra)
	require.NoError(t, err)

	requested := filepath.Join(extra, "tag1")
	out, err := layout.ResolveOutDir(requested, "")
	require.NoError(t, err)
	require.Equal(t, requested, out)
}

func TestArtifactMapClosedSet(t *testing.T) {
	m := ArtifactMap("/runs/abc")
	require.Len(t, m, 8)
	require.Contains(t, m, ArtifactMetrics)

	_, ok := ValidArtifact("metrics")
	require.True(t, ok)
	_, ok = ValidArtifact("/etc/passwd")
	require.False(t, ok)
}
