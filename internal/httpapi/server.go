// Package httpapi is the HTTP/WS boundary: it decodes closed-schema
// requests, drives the launcher and run registry, and streams telemetry
// and status updates to clients, per 4.9.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"controlplane/internal/canary"
	"controlplane/internal/health"
	"controlplane/internal/launcher"
	"controlplane/internal/obs"
	"controlplane/internal/pathutil"
	"controlplane/internal/registry"
	"controlplane/internal/telemetry/stream"
)

// Server holds every dependency handlers need, constructed once in
// cmd/controlplane/main.go and injected here; there are no package-level
// globals.
type Server struct {
	layout   *pathutil.Layout
	store    *registry.Store
	launcher *launcher.Launcher
	bus      *stream.Bus
	health   *health.Evaluator
	metrics  obs.MetricsProvider
	log      obs.Logger
	runsDir  string

	statusPollInterval    time.Duration
	telemetryPollInterval time.Duration

	liveMu   sync.Mutex
	live     *canary.Session
	liveCfg  canary.Config
	runsLive string // base dir for live trading sessions

	tailersMu sync.Mutex
	tailers   map[string]*sharedTailer // bus key -> its shared file tailer, ref-counted by subscriber
}

// sharedTailer is a single stream.Tail goroutine shared by every subscriber
// of a bus key; it runs only while at least one subscriber is attached.
type sharedTailer struct {
	cancel context.CancelFunc
	refs   int
}

type Deps struct {
	Layout                *pathutil.Layout
	Store                 *registry.Store
	Launcher              *launcher.Launcher
	Bus                   *stream.Bus
	Health                *health.Evaluator
	Metrics               obs.MetricsProvider
	Log                   obs.Logger
	RunsLiveDir           string
	StatusPollInterval    time.Duration
	TelemetryPollInterval time.Duration
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = obs.NewNoopLogger()
	}
	if d.StatusPollInterval <= 0 {
		d.StatusPollInterval = time.Second
	}
	if d.TelemetryPollInterval <= 0 {
		d.TelemetryPollInterval = 250 * time.Millisecond
	}
	return &Server{
		layout: d.Layout, store: d.Store, launcher: d.Launcher, bus: d.Bus,
		health: d.Health, metrics: d.Metrics, log: d.Log, runsLive: d.RunsLiveDir,
		statusPollInterval: d.StatusPollInterval, telemetryPollInterval: d.TelemetryPollInterval,
		liveCfg: canary.DefaultConfig(),
		tailers: make(map[string]*sharedTailer),
	}
}

// Routes builds the method+pattern ServeMux per 4.9: stdlib routing, no
// router dependency anywhere in the retrieved pack. The returned handler
// is wrapped with tracing/metrics middleware.
func (s *Server) Routes() http.Handler {
	return tracingMiddleware(s.mux())
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /train", s.handleTrain)
	mux.HandleFunc("POST /backtest", s.handleBacktest)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /runs/{id}/files/{name}", s.handleDownloadArtifact)
	mux.HandleFunc("GET /runs/{id}/bundle", s.handleBundle)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("GET /runs/{id}/stream", s.handleStatusStream)
	mux.Handle("GET /runs/{id}/ws", s.wsStatusHandler())
	mux.HandleFunc("GET /runs/{id}/telemetry", s.handleTelemetryStream)
	mux.HandleFunc("GET /runs/{id}/events", s.handleEventsStream)

	mux.HandleFunc("POST /trade/start", s.handleTradeStart)
	mux.HandleFunc("POST /trade/status", s.handleTradeStatus)
	mux.HandleFunc("POST /trade/stop", s.handleTradeStop)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if p, ok := s.metrics.(interface{ Handler() http.Handler }); ok {
		mux.Handle("GET /metrics", p.Handler())
	}

	return mux
}
