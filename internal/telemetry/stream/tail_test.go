package stream

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTailFromEndOnlySeesNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"bar_idx":1}`+"\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan Frame, 16)
	go Tail(ctx, path, TailOptions{FromStart: false, PollInterval: 20 * time.Millisecond}, func(f Frame) { frames <- f })

	requireFrame(t, frames, "init")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"bar_idx":2}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	frame := requireFrame(t, frames, "bar")
	require.Contains(t, string(frame.Data), "bar_idx")
	require.Contains(t, string(frame.Data), "2")
}

func TestTailFromStartSeesExistingLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"bar_idx":1}`+"\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan Frame, 16)
	go Tail(ctx, path, TailOptions{FromStart: true, PollInterval: 20 * time.Millisecond}, func(f Frame) { frames <- f })

	requireFrame(t, frames, "init")
	frame := requireFrame(t, frames, "bar")
	require.Contains(t, string(frame.Data), "bar_idx")
}

func TestTailWrapsNonJSONLinesAsRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(path, []byte("plain text line\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan Frame, 16)
	go Tail(ctx, path, TailOptions{FromStart: true, PollInterval: 20 * time.Millisecond, EventName: "log"}, func(f Frame) { frames <- f })

	requireFrame(t, frames, "init")
	frame := requireFrame(t, frames, "log")
	require.Contains(t, string(frame.Data), `"raw"`)
	require.Contains(t, string(frame.Data), "plain text line")
}

func TestTailEmitsErrorWhenFileNeverAppears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.jsonl")

	frames := make(chan Frame, 4)
	err := Tail(context.Background(), path, TailOptions{AppearCeiling: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}, func(f Frame) { frames <- f })
	require.ErrorIs(t, err, ErrFileNotFound)

	frame := requireFrame(t, frames, "error")
	require.Contains(t, string(frame.Data), "error")
}

func requireFrame(t *testing.T, frames chan Frame, wantEvent string) Frame {
	t.Helper()
	select {
	case f := <-frames:
		require.Equal(t, wantEvent, f.Event)
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q frame", wantEvent)
		return Frame{}
	}
}
