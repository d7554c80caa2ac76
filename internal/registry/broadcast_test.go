package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcastEmitsInitThenStopsOnTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &RunRecord{ID: "r1", Type: RunTypeTrain, Status: StatusQueued, OutDir: "/o", CreatedAt: time.Now().UTC()}))

	var frames []StatusFrame
	go func() {
		time.Sleep(5 * time.Millisecond)
		rec, _ := s.Get("r1")
		rec.Status = StatusRunning
		_ = s.Save(ctx, rec)
		time.Sleep(15 * time.Millisecond)
		rec, _ = s.Get("r1")
		rec.Status = StatusSucceeded
		_ = s.Save(ctx, rec)
	}()

	err := Broadcast(ctx, s, "r1", 5*time.Millisecond, func(f StatusFrame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frames), 2)
	require.Equal(t, StatusSucceeded, frames[len(frames)-1].Status)
}

func TestRequestHashDeterministic(t *testing.T) {
	h1 := RequestHash([]byte(`{"a":1}`))
	h2 := RequestHash([]byte(`{"a":1}`))
	require.Equal(t, h1, h2)
}
