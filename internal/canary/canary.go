// Package canary implements the stage-based capital ramp and halt
// guardrails that gate live-trading capital exposure, per 4.8.
package canary

import (
	"fmt"
	"math"
)

// Config parameterizes one guardrail session. Zero values are not valid;
// use DefaultConfig as a base.
type Config struct {
	Stages         []float64
	WindowTrades   int
	MinSharpe      float64
	MinHitrate     float64
	MaxSlippageBps float64
	MaxDailyDDPct  float64
	VolTargetAnnual *float64
	VolBandFrac    float64
}

func DefaultConfig() Config {
	return Config{
		Stages:         []float64{0.01, 0.02, 0.05, 0.10},
		WindowTrades:   100,
		MinSharpe:      0.5,
		MinHitrate:     0.52,
		MaxSlippageBps: 15.0,
		MaxDailyDDPct:  1.0,
		VolBandFrac:    0.25,
	}
}

// State is the mutable guardrail state for one session. stage_idx is
// monotonically non-decreasing and halted is sticky once set, for the
// lifetime of the session.
type State struct {
	StageIdx        int
	Halted          bool
	LastEvent       string
	LastBarTS       int64
	LastHeartbeatTS int64
	Window          []map[string]float64
}

// Metrics is one trade/bar observation fed to Record. Unrecognized keys
// are preserved in the audit log but ignored by the guardrail math.
type Metrics map[string]float64

func (m Metrics) get(key string, fallback float64) float64 {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}

// update applies one metrics observation to state per cfg, mutating state
// in place. It is the pure core of the transition described in 4.8;
// heartbeat gating happens in the caller (Record) before this runs.
// Promotion is only considered once the window holds WindowTrades
// observations; the halt triggers apply from the first observation.
func update(state *State, metrics Metrics, cfg Config) {
	state.Window = append(state.Window, metrics)
	if len(state.Window) > cfg.WindowTrades {
		state.Window = state.Window[1:]
	}
	if state.Halted {
		return
	}

	n := float64(len(state.Window))
	var sumSharpe, sumHitrate, sumSlippage, maxDD float64
	var rets []float64
	for _, m := range state.Window {
		sumSharpe += m.get("sharpe", 0)
		sumHitrate += m.get("hitrate", 0)
		sumSlippage += m.get("slippage_bps", 0)
		dd := m.get("daily_loss_pct", m.get("max_daily_dd_pct", 0))
		if dd > maxDD {
			maxDD = dd
		}
		if v, ok := m["ret_bps"]; ok {
			rets = append(rets, v/10000.0)
		} else if v, ok := m["pnl_bps"]; ok {
			rets = append(rets, v/10000.0)
		} else if v, ok := m["ret"]; ok {
			rets = append(rets, v)
		}
	}
	sharpe := sumSharpe / n
	hitrate := sumHitrate / n
	slippage := sumSlippage / n

	var realizedVol float64
	haveVol := false
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
		realizedVol = math.Sqrt(variance)
		haveVol = true
	}

	promote := len(state.Window) >= cfg.WindowTrades &&
		sharpe >= cfg.MinSharpe &&
		hitrate >= cfg.MinHitrate &&
		slippage <= cfg.MaxSlippageBps &&
		maxDD <= cfg.MaxDailyDDPct
	if haveVol && cfg.VolTargetAnnual != nil {
		promote = promote && realizedVol <= *cfg.VolTargetAnnual*(1.0+cfg.VolBandFrac)
	}

	switch {
	case promote && state.StageIdx < len(cfg.Stages)-1:
		state.StageIdx++
		state.LastEvent = fmt.Sprintf("promote:stage_%d", state.StageIdx)
	case slippage > cfg.MaxSlippageBps:
		state.Halted = true
		state.LastEvent = "halt:slippage"
	case maxDD > cfg.MaxDailyDDPct:
		state.Halted = true
		state.LastEvent = "halt:daily_loss"
	}
}

// heartbeatOK mirrors the data/broker liveness gate from 4.8 step 1.
func heartbeatOK(lastBarTS, nowTS int64, maxDelaySec int64, brokerOK bool) bool {
	return (nowTS-lastBarTS) <= maxDelaySec && brokerOK
}

// DeployCapital returns stages[stage_idx] * targetCapital, or 0 if halted.
func (s *State) DeployCapital(cfg Config, targetCapital float64) float64 {
	if s.Halted {
		return 0
	}
	return cfg.Stages[s.StageIdx] * targetCapital
}
