// Package registry is the durable (run_id -> RunRecord) store. Writers
// serialize updates per id; readers never observe a partial update. It
// persists to an embedded SQLite database and replays into an in-memory
// index at startup so reads never touch disk on the hot path.
package registry

import "time"

type RunType string

const (
	RunTypeTrain    RunType = "train"
	RunTypeBacktest RunType = "backtest"
)

type RunStatus string

const (
	StatusQueued    RunStatus = "QUEUED"
	StatusRunning   RunStatus = "RUNNING"
	StatusSucceeded RunStatus = "SUCCEEDED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether s is one of the DAG's terminal states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransitions encodes the status DAG: QUEUED -> RUNNING -> terminal.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	StatusQueued:  {StatusRunning: true, StatusCancelled: true},
	StatusRunning: {StatusSucceeded: true, StatusFailed: true, StatusCancelled: true},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	return validTransitions[from][to]
}

// RunRecord is the unit of orchestration, exclusively owned by the Run
// Registry; the Job Launcher mutates it only through the registry.
type RunRecord struct {
	ID         string         `json:"id"`
	Type       RunType        `json:"type"`
	Status     RunStatus      `json:"status"`
	OutDir     string         `json:"out_dir"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Pid        *int           `json:"pid,omitempty"`
	Error      string         `json:"error,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Clone returns a deep-enough copy so callers never observe mutation
// through a shared pointer (readers must see snapshots, not live state).
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.Pid != nil {
		p := *r.Pid
		c.Pid = &p
	}
	if r.Meta != nil {
		m := make(map[string]any, len(r.Meta))
		for k, v := range r.Meta {
			m[k] = v
		}
		c.Meta = m
	}
	return &c
}
