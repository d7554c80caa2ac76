// Package launcher converts typed job requests into supervised subprocess
// executions: config snapshot, registry registration, sanitized spawn, and
// idempotent cancellation. Grounded on the original run_service module.
package launcher

import "time"

const dateFormat = "2006-01-02"

// JobRequest is the closed schema for a training or backtest submission.
// Unknown fields are rejected by the HTTP boundary's json.Decoder before a
// JobRequest is ever constructed.
type JobRequest struct {
	ConfigPath  string         `json:"config_path"`
	Normalize   bool           `json:"normalize"`
	Policy      string         `json:"policy"`
	StepBudget  int            `json:"step_budget"`
	Seed        int64          `json:"seed"`
	OutTag      string         `json:"out_tag,omitempty"`
	OutDir      string         `json:"out_dir,omitempty"`
	TrainStart  string         `json:"train_start,omitempty"`
	TrainEnd    string         `json:"train_end,omitempty"`
	EvalStart   string         `json:"eval_start,omitempty"`
	EvalEnd     string         `json:"eval_end,omitempty"`
	Symbols     []string       `json:"symbols"`
	Fees        map[string]any `json:"fees,omitempty"`
	Margin      map[string]any `json:"margin,omitempty"`
	Execution   map[string]any `json:"execution,omitempty"`
	Episode     map[string]any `json:"episode,omitempty"`
	Features    map[string]any `json:"features,omitempty"`
	Reward      map[string]any `json:"reward,omitempty"`
	PPO         map[string]any `json:"ppo,omitempty"`
}

// Validate enforces the closed-schema constraints from 4.4/§7: required
// fields present, symbol list non-empty, and any supplied date bound
// parses as YYYY-MM-DD.
func (r *JobRequest) Validate() error {
	if r.ConfigPath == "" {
		return errMissingField("config_path")
	}
	if len(r.Symbols) == 0 {
		return errMissingField("symbols")
	}
	for _, d := range []struct {
		field, value string
	}{
		{"train_start", r.TrainStart}, {"train_end", r.TrainEnd},
		{"eval_start", r.EvalStart}, {"eval_end", r.EvalEnd},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.Parse(dateFormat, d.value); err != nil {
			return errBadDate(d.field, d.value)
		}
	}
	return nil
}

func errMissingField(name string) error {
	return &ValidationError{Field: name}
}

func errBadDate(field, value string) error {
	return &ValidationError{Field: field, Reason: "must be YYYY-MM-DD, got " + value}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return "launcher: invalid field " + e.Field + ": " + e.Reason
	}
	return "launcher: missing required field: " + e.Field
}
