package launcher

import (
	"fmt"
	"os"
)

// sanitizedEnv builds a worker environment that forces the project root
// onto the module path and pins a stable, locale-independent text
// encoding, mirroring the original service's PYTHONPATH/PYTHONIOENCODING/
// PYTHONUTF8/PYTHONLEGACYWINDOWSSTDIO pins translated to this module's own
// env var names.
func sanitizedEnv(projectRoot, runID string, telemetryPath, eventPath, rollupPath string) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+8)
	for _, kv := range base {
		if !isManagedVar(kv) {
			env = append(env, kv)
		}
	}
	env = append(env,
		"CONTROLPLANE_PROJECT_ROOT="+projectRoot,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"TZ=UTC",
		"STOCKBOT_RUN_ID="+runID,
		"STOCKBOT_TELEMETRY_PATH="+telemetryPath,
		"STOCKBOT_EVENT_PATH="+eventPath,
		"STOCKBOT_ROLLUP_PATH="+rollupPath,
	)
	return env
}

var managedPrefixes = []string{
	"CONTROLPLANE_PROJECT_ROOT=", "LANG=", "LC_ALL=", "TZ=",
	"STOCKBOT_RUN_ID=", "STOCKBOT_TELEMETRY_PATH=", "STOCKBOT_EVENT_PATH=", "STOCKBOT_ROLLUP_PATH=",
}

func isManagedVar(kv string) bool {
	for _, p := range managedPrefixes {
		if len(kv) >= len(p) && kv[:len(p)] == p {
			return true
		}
	}
	return false
}

// buildArgv constructs the worker's argument vector from a fixed,
// declarative flag mapping — no free-form shell interpolation — and
// rejects any entry that is empty (Go's analogue of the original's
// null-argument rejection, since Go slices carry no null string type).
func buildArgv(workerModule, snapshotPath string, jobType string, req *JobRequest) ([]string, error) {
	argv := []string{
		workerModule,
		"--config", snapshotPath,
		"--mode", jobType,
		"--policy", req.Policy,
		"--seed", fmt.Sprint(req.Seed),
		"--step-budget", fmt.Sprint(req.StepBudget),
	}
	if req.TrainStart != "" {
		argv = append(argv, "--train-start", req.TrainStart)
	}
	if req.TrainEnd != "" {
		argv = append(argv, "--train-end", req.TrainEnd)
	}
	if req.EvalStart != "" {
		argv = append(argv, "--eval-start", req.EvalStart)
	}
	if req.EvalEnd != "" {
		argv = append(argv, "--eval-end", req.EvalEnd)
	}
	for _, a := range argv {
		if a == "" {
			return nil, fmt.Errorf("launcher: argument vector contains an empty entry")
		}
	}
	return argv, nil
}
