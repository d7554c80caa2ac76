package launcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"controlplane/internal/apierr"
	"controlplane/internal/config"
	"controlplane/internal/obs"
	"controlplane/internal/pathutil"
	"controlplane/internal/registry"
)

// RunRegistry is the subset of registry.Store the launcher depends on.
type RunRegistry interface {
	Save(ctx context.Context, rec *registry.RunRecord) error
	Get(id string) (*registry.RunRecord, error)
}

// Launcher validates requests, snapshots config, and supervises worker
// subprocesses, per 4.4.
type Launcher struct {
	layout       *pathutil.Layout
	registry     RunRegistry
	workerModule string
	log          obs.Logger

	spawnCounter obs.Counter

	mu      sync.Mutex
	running map[string]*exec.Cmd // run id -> live process, for cancel
}

func New(layout *pathutil.Layout, reg RunRegistry, workerModule string, log obs.Logger, metrics obs.MetricsProvider) *Launcher {
	if log == nil {
		log = obs.NewNoopLogger()
	}
	if metrics == nil {
		metrics = obs.NewNoopProvider()
	}
	counter := metrics.NewCounter(obs.CounterOpts{CommonOpts: obs.CommonOpts{
		Namespace: "controlplane", Subsystem: "launcher", Name: "spawns_total",
		Help: "Worker subprocess spawns, labeled by outcome.", Labels: []string{"outcome"},
	}})
	return &Launcher{layout: layout, registry: reg, workerModule: workerModule, log: log, spawnCounter: counter, running: make(map[string]*exec.Cmd)}
}

// StartTrain and StartBacktest both implement 4.4's start_* contract,
// differing only in the worker mode flag and job type recorded.
func (l *Launcher) StartTrain(ctx context.Context, req *JobRequest) (string, error) {
	return l.start(ctx, req, registry.RunTypeTrain, "train")
}

func (l *Launcher) StartBacktest(ctx context.Context, req *JobRequest) (string, error) {
	return l.start(ctx, req, registry.RunTypeBacktest, "backtest")
}

func (l *Launcher) start(ctx context.Context, req *JobRequest, runType registry.RunType, mode string) (string, error) {
	if err := req.Validate(); err != nil {
		return "", apierr.Validation(err.Error())
	}

	outDir, err := l.layout.ResolveOutDir(req.OutDir, req.OutTag)
	if err != nil {
		return "", apierr.Validation(fmt.Sprintf("launcher: %v", err))
	}

	merged, err := l.snapshotConfig(req, outDir)
	if err != nil {
		return "", apierr.Internal("launcher: config snapshot", err)
	}

	runID := uuid.NewString()[:8]
	rec := &registry.RunRecord{
		ID:        runID,
		Type:      runType,
		Status:    registry.StatusQueued,
		OutDir:    outDir,
		CreatedAt: time.Now().UTC(),
		Meta: map[string]any{
			"request":         req,
			"config_snapshot": merged,
		},
	}
	if err := l.registry.Save(ctx, rec); err != nil {
		return "", err
	}

	argv, err := buildArgv(l.workerModule, merged, mode, req)
	if err != nil {
		return "", apierr.Validation(err.Error())
	}

	go l.runSupervised(runID, outDir, argv)
	return runID, nil
}

// snapshotConfig loads ConfigPath, deep-merges the request's override
// sections onto it, and writes the merged result under outDir. Returns the
// snapshot's path.
func (l *Launcher) snapshotConfig(req *JobRequest, outDir string) (string, error) {
	base := map[string]any{}
	if raw, err := os.ReadFile(req.ConfigPath); err == nil {
		if err := yaml.Unmarshal(raw, &base); err != nil {
			return "", fmt.Errorf("parse base config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read base config: %w", err)
	}

	overrides := map[string]any{
		"fees": req.Fees, "margin": req.Margin, "execution": req.Execution,
		"episode": req.Episode, "features": req.Features, "reward": req.Reward, "ppo": req.PPO,
		"symbols": req.Symbols, "normalize": req.Normalize, "seed": req.Seed,
	}
	converted := map[string]any{}
	for k, v := range overrides {
		if v != nil {
			converted[k] = v
		}
	}
	merged := config.DeepMerge(base, converted)

	snapshotPath := pathutil.ArtifactMap(outDir)[pathutil.ArtifactConfig]
	if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
		return "", err
	}
	out, err := yaml.Marshal(merged)
	if err != nil {
		return "", err
	}
	tmp := snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, snapshotPath); err != nil {
		return "", err
	}
	return snapshotPath, nil
}

// runSupervised sets status=RUNNING, spawns the child, streams combined
// stdout/stderr to job_log, waits, and sets the terminal status.
func (l *Launcher) runSupervised(runID, outDir string, argv []string) {
	ctx, span := obs.Tracer().Start(context.Background(), "launcher.spawn")
	span.SetAttributes(attribute.String("run_id", runID))
	defer span.End()

	rec, err := l.registry.Get(runID)
	if err != nil {
		l.log.Error("launcher: lost record before spawn", "run_id", runID, "err", err)
		return
	}

	jobLogPath := pathutil.ArtifactMap(outDir)[pathutil.ArtifactJobLog]
	logFile, err := os.Create(jobLogPath)
	if err != nil {
		l.failRun(ctx, rec, fmt.Sprintf("open job log: %v", err))
		return
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = sanitizedEnv(filepath.Dir(outDir), runID,
		envPathFor(outDir, "telemetry.jsonl"), envPathFor(outDir, "events.jsonl"), envPathFor(outDir, "rollup.jsonl"))
	writer := bufio.NewWriter(logFile)
	defer writer.Flush()
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		l.spawnCounter.Inc(1, "spawn_failed")
		l.failRun(ctx, rec, fmt.Sprintf("spawn failed: %v", err))
		return
	}
	l.spawnCounter.Inc(1, "spawned")

	pid := cmd.Process.Pid
	rec.Status = registry.StatusRunning
	now := time.Now().UTC()
	rec.StartedAt = &now
	rec.Pid = &pid
	if err := l.registry.Save(ctx, rec); err != nil {
		l.log.Error("launcher: failed to persist running status", "run_id", runID, "err", err)
	}

	l.mu.Lock()
	l.running[runID] = cmd
	l.mu.Unlock()

	err = cmd.Wait()

	l.mu.Lock()
	delete(l.running, runID)
	l.mu.Unlock()

	finished := time.Now().UTC()
	rec, getErr := l.registry.Get(runID)
	if getErr != nil {
		return
	}
	if rec.Status == registry.StatusCancelled {
		return // cancel() already set the terminal state
	}
	rec.FinishedAt = &finished
	if err == nil {
		rec.Status = registry.StatusSucceeded
	} else {
		rec.Status = registry.StatusFailed
		if exitErr, ok := err.(*exec.ExitError); ok {
			rec.Error = fmt.Sprintf("exit_code=%d", exitErr.ExitCode())
		} else {
			rec.Error = err.Error()
		}
	}
	if err := l.registry.Save(ctx, rec); err != nil {
		l.log.Error("launcher: failed to persist terminal status", "run_id", runID, "err", err)
	}
}

func envPathFor(outDir, name string) string { return filepath.Join(outDir, name) }

func (l *Launcher) failRun(ctx context.Context, rec *registry.RunRecord, reason string) {
	now := time.Now().UTC()
	rec.Status = registry.StatusFailed
	rec.FinishedAt = &now
	rec.Error = reason
	if err := l.registry.Save(ctx, rec); err != nil {
		l.log.Error("launcher: failed to persist failure", "run_id", rec.ID, "err", err)
	}
}

// Cancel implements 4.4's cancel(id): idempotent, sends a terminate signal
// to a non-terminal run with a known pid.
func (l *Launcher) Cancel(ctx context.Context, id string) error {
	rec, err := l.registry.Get(id)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil // idempotent no-op per §5
	}

	l.mu.Lock()
	cmd, ok := l.running[id]
	l.mu.Unlock()

	signalErr := error(nil)
	if ok && cmd.Process != nil {
		signalErr = terminateProcess(cmd.Process)
	}

	now := time.Now().UTC()
	rec.Status = registry.StatusCancelled
	rec.FinishedAt = &now
	if err := l.registry.Save(ctx, rec); err != nil {
		return apierr.Internal("launcher: persist cancellation", err)
	}
	if signalErr != nil {
		return apierr.Internal("launcher: signal delivery failed, cancellation intent recorded", signalErr)
	}
	return nil
}
