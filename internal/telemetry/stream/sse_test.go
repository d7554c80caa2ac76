package stream

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteFrameFormatsEventAndData(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, nil, Frame{Event: "bar", Data: []byte(`{"x":1}`)}))
	require.Equal(t, "event: bar\ndata: {\"x\":1}\n\n", buf.String())
}

func TestWeakETagChangesWithFileContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))

	tag1, err := WeakETag(path, "artifacts")
	require.NoError(t, err)
	require.Contains(t, tag1, `W/"`)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"a":2}`), 0o644))

	tag2, err := WeakETag(path, "artifacts")
	require.NoError(t, err)
	require.NotEqual(t, tag1, tag2)
}

func TestWeakETagDiffersBySalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))

	tagA, err := WeakETag(path, "artifacts")
	require.NoError(t, err)
	tagB, err := WeakETag(path, "bundle")
	require.NoError(t, err)
	require.NotEqual(t, tagA, tagB)
}
