package httpapi

import (
	"net/http"
	"path/filepath"

	"controlplane/internal/apierr"
	"controlplane/internal/canary"
	"controlplane/internal/pathutil"
)

// tradeStartRequest mirrors the original trade_controller's
// TradeStartRequest: identifiers plus optional canary config overrides.
type tradeStartRequest struct {
	RunID             string   `json:"run_id,omitempty"`
	PolicyPath        string   `json:"policy_path,omitempty"`
	Broker            string   `json:"broker,omitempty"`
	Stages            []float64 `json:"stages,omitempty"`
	WindowTrades      int      `json:"window_trades,omitempty"`
	MinSharpe         float64  `json:"min_sharpe,omitempty"`
	MinHitrate        float64  `json:"min_hitrate,omitempty"`
	MaxSlippageBps    float64  `json:"max_slippage_bps,omitempty"`
	DailyLossLimitPct float64  `json:"daily_loss_limit_pct,omitempty"`
	VolTargetAnnual   *float64 `json:"vol_target_annual,omitempty"`
	VolBandFrac       float64  `json:"vol_band_frac,omitempty"`
	OutDir            string   `json:"out_dir,omitempty"`
}

func (s *Server) handleTradeStart(w http.ResponseWriter, r *http.Request) {
	var req tradeStartRequest
	if err := decodeClosedJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	cfg := s.liveCfg
	if req.Stages != nil {
		cfg.Stages = req.Stages
	}
	if req.WindowTrades != 0 {
		cfg.WindowTrades = req.WindowTrades
	}
	if req.MinSharpe != 0 {
		cfg.MinSharpe = req.MinSharpe
	}
	if req.MinHitrate != 0 {
		cfg.MinHitrate = req.MinHitrate
	}
	if req.MaxSlippageBps != 0 {
		cfg.MaxSlippageBps = req.MaxSlippageBps
	}
	if req.DailyLossLimitPct != 0 {
		cfg.MaxDailyDDPct = req.DailyLossLimitPct
	}
	if req.VolTargetAnnual != nil {
		cfg.VolTargetAnnual = req.VolTargetAnnual
	}
	if req.VolBandFrac != 0 {
		cfg.VolBandFrac = req.VolBandFrac
	}

	sessionID := ""
	if req.RunID != "" {
		sessionID = "canary_" + req.RunID
	}
	outDir := req.OutDir
	if outDir == "" {
		tag := sessionID
		if tag == "" {
			tag = "canary_session"
		}
		outDir = filepath.Join(s.runsLive, pathutil.SanitizeTag(tag))
	}

	meta := map[string]any{"run_id": req.RunID, "policy_path": req.PolicyPath, "broker": req.Broker}
	session, err := canary.StartSession(outDir, cfg, sessionID, meta, s.log)
	if err != nil {
		writeError(w, apierr.Internal("trade: start session", err))
		return
	}
	s.live = session
	s.liveCfg = cfg

	snap := session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "started",
		"session_id": snap["session_id"],
		"details": map[string]any{
			"audit_path":   snap["audit_path"],
			"metrics_path": snap["metrics_path"],
		},
	})
}

type tradeStatusRequest struct {
	Metrics       canary.Metrics `json:"metrics"`
	LastBarTS     int64          `json:"last_bar_ts"`
	NowTS         int64          `json:"now_ts"`
	BrokerOK      bool           `json:"broker_ok"`
	TargetCapital float64        `json:"target_capital"`
}

func (s *Server) handleTradeStatus(w http.ResponseWriter, r *http.Request) {
	var req tradeStatusRequest
	if err := decodeClosedJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	s.liveMu.Lock()
	session := s.live
	s.liveMu.Unlock()
	if session == nil {
		writeError(w, apierr.Precondition("live trading not started"))
		return
	}

	stage := session.Record(req.Metrics, req.LastBarTS, req.NowTS, req.BrokerOK, req.TargetCapital)
	snap := session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"stage":          stage,
		"deploy_capital": req.TargetCapital * stage,
		"halted":         snap["halted"],
		"details":        snap,
	})
}

func (s *Server) handleTradeStop(w http.ResponseWriter, r *http.Request) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	if s.live == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
		return
	}
	s.live.Stop()
	s.live = nil
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
