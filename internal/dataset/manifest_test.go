package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentHashStableAcrossIdenticalRuns(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(dir, NewSyntheticSource())
	req := Request{Symbols: []string{"AAA"}, Interval: "1d", Start: "2020-01-01", End: "2020-01-05", Adjusted: true}

	m1, err := b.Build(req)
	require.NoError(t, err)
	m2, err := b.Build(req)
	require.NoError(t, err)
	require.Equal(t, m1.ContentHash, m2.ContentHash)
}

func TestContentHashChangesWithFileSize(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(dir, NewSyntheticSource())
	req := Request{Symbols: []string{"AAA"}, Interval: "1d", Start: "2020-01-01", End: "2020-01-05", Adjusted: true}

	m1, err := b.Build(req)
	require.NoError(t, err)

	path := m1.ParquetMap["AAA"]
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m2, err := b.Build(req)
	require.NoError(t, err)
	require.NotEqual(t, m1.ContentHash, m2.ContentHash)
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(dir, NewSyntheticSource())
	req := Request{Symbols: []string{"AAA", "BBB"}, Interval: "1d", Start: "2020-01-01", End: "2020-01-10", Adjusted: false}

	m, err := b.Build(req)
	require.NoError(t, err)

	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, Persist(path, m))

	reopened, err := Reopen(path)
	require.NoError(t, err)
	require.Equal(t, m.ContentHash, reopened.ContentHash)
}

func TestReopenDetectsDrift(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(dir, NewSyntheticSource())
	req := Request{Symbols: []string{"AAA"}, Interval: "1d", Start: "2020-01-01", End: "2020-01-05", Adjusted: true}
	m, err := b.Build(req)
	require.NoError(t, err)

	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, Persist(path, m))

	f, err := os.OpenFile(m.ParquetMap["AAA"], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Reopen(path)
	require.Error(t, err)
}
