package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/net/websocket"

	"controlplane/internal/apierr"
	"controlplane/internal/registry"
	"controlplane/internal/telemetry/stream"
)

// handleStatusStream implements GET /runs/{id}/stream: an SSE `init`
// frame followed by differential status frames until the run reaches a
// terminal status or the client disconnects.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.Internal("streaming unsupported", nil))
		return
	}
	prepareSSEHeaders(w)
	bw := bufio.NewWriter(w)

	first := true
	err := registry.Broadcast(r.Context(), s.store, id, s.statusPollInterval, func(frame registry.StatusFrame) error {
		raw, marshalErr := json.Marshal(frame)
		if marshalErr != nil {
			return marshalErr
		}
		event := "status"
		if first {
			event = "init"
			first = false
		}
		return stream.WriteFrame(bw, flusher, stream.Frame{Event: event, Data: raw})
	})
	if err != nil {
		s.log.Debug("status stream ended", "run_id", id, "err", err)
	}
}

// wsStatusHandler returns the bidirectional equivalent of the SSE status
// stream: the client opens a WS connection and receives the same status
// frames, closing when the run reaches a terminal status.
func (s *Server) wsStatusHandler() http.Handler {
	return websocket.Handler(func(ws *websocket.Conn) {
		id := ws.Request().PathValue("id")
		if _, err := s.store.Get(id); err != nil {
			_ = websocket.JSON.Send(ws, map[string]string{"error": err.Error()})
			return
		}
		first := true
		_ = registry.Broadcast(ws.Request().Context(), s.store, id, s.statusPollInterval, func(frame registry.StatusFrame) error {
			event := "status"
			if first {
				event = "init"
				first = false
			}
			return websocket.JSON.Send(ws, map[string]any{"event": event, "frame": frame})
		})
	})
}

// handleTelemetryStream implements GET /runs/{id}/telemetry?from_start=bool.
// It tails telemetry.jsonl, the STOCKBOT_TELEMETRY_PATH the launcher hands
// the worker (the launcher's sanitizedEnv in env.go), which is where per-bar kind:bar
// records land — not the point-in-time report/metrics.json summary
// artifact, which is only ever a finished-run download (4.6).
func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	s.tailArtifact(w, r, "telemetry.jsonl", "telemetry", "bar")
}

// handleEventsStream implements GET /runs/{id}/events?from_start=bool.
// Event records live alongside telemetry under the run's out_dir as
// events.jsonl, written by the worker process directly (not one of the
// closed report/ artifacts).
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	s.tailArtifact(w, r, "events.jsonl", "events", "event")
}

// tailArtifact serves a live SSE stream of relFile under the run's out_dir.
// Per run+stream, at most one stream.Tail goroutine ever reads the file: the
// first connection starts it and it publishes every frame onto s.bus, while
// every connection (the first included) only ever reads back off the bus.
// This is the §9 same-process short-circuit — N concurrent viewers of one
// run's telemetry cost one file tailer, not N.
func (s *Server) tailArtifact(w http.ResponseWriter, r *http.Request, relFile, streamName, eventName string) {
	id := r.PathValue("id")
	rec, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	path := rec.OutDir + "/" + relFile
	busKey := id + ":" + streamName

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.Internal("streaming unsupported", nil))
		return
	}
	prepareSSEHeaders(w)
	bw := bufio.NewWriter(w)

	fromStart := r.URL.Query().Get("from_start") == "true"
	s.acquireTailer(busKey, path, eventName, fromStart)
	defer s.releaseTailer(busKey)

	sub := s.bus.Subscribe(busKey)
	defer sub.Close()

	if err := stream.WriteFrame(bw, flusher, stream.Frame{Event: "init", Data: []byte(`{"tailing":true}`)}); err != nil {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			if err := stream.WriteFrame(bw, flusher, frame); err != nil {
				return
			}
		}
	}
}

// acquireTailer starts the shared stream.Tail for busKey if none is
// running, otherwise bumps its refcount. fromStart only takes effect for
// whoever's connection starts the tailer; later subscribers join the live
// fan-out without a backfill, trading per-client replay for a single
// reader per file.
func (s *Server) acquireTailer(busKey, path, eventName string, fromStart bool) {
	s.tailersMu.Lock()
	defer s.tailersMu.Unlock()
	if t, ok := s.tailers[busKey]; ok {
		t.refs++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.tailers[busKey] = &sharedTailer{cancel: cancel, refs: 1}
	go func() {
		opts := stream.TailOptions{FromStart: fromStart, EventName: eventName, PollInterval: s.telemetryPollInterval}
		err := stream.Tail(ctx, path, opts, func(f stream.Frame) {
			s.bus.Publish(busKey, f)
		})
		if err != nil {
			s.log.Debug("telemetry tailer ended", "bus_key", busKey, "err", err)
		}
	}()
}

// releaseTailer drops one reference on busKey's shared tailer, cancelling
// and removing it once the last subscriber has gone.
func (s *Server) releaseTailer(busKey string) {
	s.tailersMu.Lock()
	defer s.tailersMu.Unlock()
	t, ok := s.tailers[busKey]
	if !ok {
		return
	}
	t.refs--
	if t.refs <= 0 {
		t.cancel()
		delete(s.tailers, busKey)
	}
}

func prepareSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}
