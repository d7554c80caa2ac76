package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// StatusFrame is the differential payload emitted by the broadcaster.
type StatusFrame struct {
	ID         string     `json:"id"`
	Type       RunType    `json:"type"`
	Status     RunStatus  `json:"status"`
	OutDir     string     `json:"out_dir"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func frameOf(rec *RunRecord) StatusFrame {
	return StatusFrame{
		ID: rec.ID, Type: rec.Type, Status: rec.Status, OutDir: rec.OutDir,
		CreatedAt: rec.CreatedAt, StartedAt: rec.StartedAt, FinishedAt: rec.FinishedAt, Error: rec.Error,
	}
}

func frameEqual(a, b StatusFrame) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// RequestHash returns the hex SHA-256 of a request payload. Broadcast does
// not call it: the first frame it emits (sent as "init" by the HTTP
// handlers) is a plain StatusFrame with no request hash or config.
func RequestHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Broadcast polls the registry for id every pollInterval (one second when
// pollInterval is not positive) and invokes
// emit with a differential StatusFrame whenever the record changes,
// returning when ctx is cancelled or the run reaches a terminal status.
// It never blocks shutdown: ctx cancellation (from the HTTP request
// context) is checked every tick.
func Broadcast(ctx context.Context, store *Store, id string, pollInterval time.Duration, emit func(StatusFrame) error) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last StatusFrame
	first := true
	for {
		rec, err := store.Get(id)
		if err != nil {
			return err
		}
		frame := frameOf(rec)
		if first || !frameEqual(frame, last) {
			if err := emit(frame); err != nil {
				return err
			}
			last = frame
			first = false
		}
		if rec.Status.IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
