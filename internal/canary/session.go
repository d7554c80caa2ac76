package canary

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"controlplane/internal/obs"
)

// Session is the stateful, file-backed guardrail runner for one live or
// paper-trading deployment, grounded on the original LiveGuardrails: it
// owns an audit log, a periodic summary file, and a session meta file,
// none of whose write failures are allowed to abort a Record call.
type Session struct {
	mu  sync.Mutex
	cfg Config

	state State

	sessionID     string
	outDir        string
	auditPath     string
	summaryPath   string
	metaPath      string
	maxDelaySec   int64
	summaryEvery  int
	nRecords      int
	lastTargetCap float64

	log obs.Logger
}

// StartSession creates outDir and writes a session meta file recording the resolved config, session id, and VCS revision
// (when discoverable via debug.ReadBuildInfo, never by shelling out).
func StartSession(outDir string, cfg Config, sessionID string, meta map[string]any, log obs.Logger) (*Session, error) {
	if log == nil {
		log = obs.NewNoopLogger()
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("canary: create session dir: %w", err)
	}
	if sessionID == "" {
		sessionID = "live_" + time.Now().UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
	}

	s := &Session{
		cfg:          cfg,
		sessionID:    sessionID,
		outDir:       outDir,
		auditPath:    filepath.Join(outDir, "live_audit.jsonl"),
		summaryPath:  filepath.Join(outDir, "live_metrics.json"),
		metaPath:     filepath.Join(outDir, "live_session.json"),
		maxDelaySec:  300,
		summaryEvery: 20,
		log:          log,
	}

	metaObj := map[string]any{
		"session_id": sessionID,
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"vcs_revision": vcsRevision(),
		"config": map[string]any{
			"stages":             cfg.Stages,
			"window_trades":      cfg.WindowTrades,
			"min_sharpe":         cfg.MinSharpe,
			"min_hitrate":        cfg.MinHitrate,
			"max_slippage_bps":   cfg.MaxSlippageBps,
			"max_daily_dd_pct":   cfg.MaxDailyDDPct,
			"vol_target_annual":  cfg.VolTargetAnnual,
			"vol_band_frac":      cfg.VolBandFrac,
		},
		"meta": meta,
	}
	if err := atomicWriteJSON(s.metaPath, metaObj); err != nil {
		s.log.Warn("canary: failed to write session meta", "err", err)
	}
	return s, nil
}

// vcsRevision reads the build's embedded VCS revision, if the binary was
// built from a VCS checkout with build info; it never shells out to git.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}

// Record applies one metrics observation, persists an audit line, and
// periodically rewrites the rolling summary. It returns the stage
// fraction to deploy. Persistence errors are logged, never returned:
// guardrail correctness must not depend on disk availability.
func (s *Session) Record(metrics Metrics, lastBarTS, nowTS int64, brokerOK bool, targetCapital float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.LastBarTS = lastBarTS
	s.state.LastHeartbeatTS = nowTS

	var riskFlags []string
	if !heartbeatOK(lastBarTS, nowTS, s.maxDelaySec, brokerOK) {
		s.state.Halted = true
		s.state.LastEvent = "halt:heartbeat"
		riskFlags = append(riskFlags, "heartbeat")
	}

	update(&s.state, metrics, s.cfg)
	if s.state.Halted && hasPrefix(s.state.LastEvent, "halt:") {
		riskFlags = append(riskFlags, s.state.LastEvent[len("halt:"):])
	}

	stage := 0.0
	if !s.state.Halted {
		stage = s.cfg.Stages[s.state.StageIdx]
	}
	s.lastTargetCap = targetCapital
	deployCapital := s.lastTargetCap * stage

	rec := map[string]any{
		"ts":             nowTS,
		"stage":          stage,
		"halted":         s.state.Halted,
		"target_capital": s.lastTargetCap,
		"deploy_capital": deployCapital,
		"risk_flags":     riskFlags,
	}
	for k, v := range metrics {
		rec[k] = v
	}
	if err := appendJSONLine(s.auditPath, rec); err != nil {
		s.log.Warn("canary: audit append failed", "err", err)
	}

	s.nRecords++
	if s.summaryEvery < 1 {
		s.summaryEvery = 1
	}
	if s.nRecords%s.summaryEvery == 0 {
		if err := s.writeSummary(); err != nil {
			s.log.Warn("canary: summary write failed", "err", err)
		}
	}
	return stage
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *Session) writeSummary() error {
	win := s.state.Window
	if len(win) == 0 {
		return nil
	}
	n := float64(len(win))
	var avgSlip, hitrate, sharpe float64
	var rets []float64
	for _, m := range win {
		avgSlip += m.get("slippage_bps", 0)
		hitrate += m.get("hitrate", 0)
		sharpe += m.get("sharpe", 0)
		if v, ok := m["ret_bps"]; ok {
			rets = append(rets, v/10000.0)
		} else if v, ok := m["pnl_bps"]; ok {
			rets = append(rets, v/10000.0)
		} else if v, ok := m["ret"]; ok {
			rets = append(rets, v)
		}
	}
	avgSlip /= n
	hitrate /= n
	sharpe /= n

	var realizedVol *float64
	if len(rets) > 1 {
		var mu float64
		for _, r := range rets {
			mu += r
		}
		mu /= float64(len(rets))
		var variance float64
		for _, r := range rets {
			variance += (r - mu) * (r - mu)
		}
		variance /= float64(len(rets) - 1)
		if variance < 0 {
			variance = 0
		}
		v := math.Sqrt(variance)
		realizedVol = &v
	}

	stage := 0.0
	if !s.state.Halted {
		stage = s.cfg.Stages[s.state.StageIdx]
	}
	summary := map[string]any{
		"updated_at":        time.Now().UTC().Format(time.RFC3339),
		"stage":             stage,
		"stage_idx":         s.state.StageIdx,
		"halted":            s.state.Halted,
		"last_event":        s.state.LastEvent,
		"avg_slippage_bps":  avgSlip,
		"hit_rate":          hitrate,
		"rolling_sharpe":    sharpe,
		"realized_vol":      realizedVol,
		"last_heartbeat_ts": s.state.LastHeartbeatTS,
		"last_bar_ts":       s.state.LastBarTS,
		"target_capital":    s.lastTargetCap,
		"deploy_capital":    s.lastTargetCap * stage,
	}
	return atomicWriteJSON(s.summaryPath, summary)
}

// Snapshot returns a point-in-time view suitable for a status endpoint.
func (s *Session) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Stop appends a final "stop" audit line and rewrites the summary with a
// stopped_at timestamp, best-effort, matching the original stop_live.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	stage := 0.0
	if !s.state.Halted {
		stage = s.cfg.Stages[s.state.StageIdx]
	}
	rec := map[string]any{"ts": time.Now().Unix(), "stage": stage, "halted": s.state.Halted, "event": "stop"}
	if err := appendJSONLine(s.auditPath, rec); err != nil {
		s.log.Warn("canary: stop audit append failed", "err", err)
	}

	summary := map[string]any{"stopped_at": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range s.snapshotLocked() {
		summary[k] = v
	}
	if err := atomicWriteJSON(s.summaryPath, summary); err != nil {
		s.log.Warn("canary: stop summary write failed", "err", err)
	}
}

// snapshotLocked is Snapshot's body, callable when s.mu is already held.
func (s *Session) snapshotLocked() map[string]any {
	stage := 0.0
	if !s.state.Halted {
		stage = s.cfg.Stages[s.state.StageIdx]
	}
	return map[string]any{
		"session_id":        s.sessionID,
		"stage_idx":         s.state.StageIdx,
		"stage":             stage,
		"halted":            s.state.Halted,
		"last_event":        s.state.LastEvent,
		"last_heartbeat_ts": s.state.LastHeartbeatTS,
		"last_bar_ts":       s.state.LastBarTS,
		"target_capital":    s.lastTargetCap,
		"deploy_capital":    s.lastTargetCap * stage,
		"audit_path":        s.auditPath,
		"metrics_path":      s.summaryPath,
	}
}

func appendJSONLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	raw = append(raw, '\n')
	_, err = f.Write(raw)
	return err
}

// atomicWriteJSON writes v to path via a temp-file-then-rename so readers
// never observe a partially written file, matching the config snapshot
// write pattern used by the launcher.
func atomicWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
