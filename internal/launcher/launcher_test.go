package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"controlplane/internal/apierr"
	"controlplane/internal/obs"
	"controlplane/internal/pathutil"
	"controlplane/internal/registry"
)

type fakeRegistry struct {
	records map[string]*registry.RunRecord
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{records: map[string]*registry.RunRecord{}} }

func (f *fakeRegistry) Save(ctx context.Context, rec *registry.RunRecord) error {
	f.records[rec.ID] = rec.Clone()
	return nil
}

func (f *fakeRegistry) Get(id string) (*registry.RunRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, apierr.NotFound("run not found")
	}
	return rec.Clone(), nil
}

func TestValidateRejectsMissingFields(t *testing.T) {
	req := &JobRequest{}
	require.Error(t, req.Validate())
	req.ConfigPath = "base.yaml"
	require.Error(t, req.Validate())
	req.Symbols = []string{"AAA"}
	require.NoError(t, req.Validate())
}

func TestValidateRejectsMalformedDate(t *testing.T) {
	req := &JobRequest{ConfigPath: "base.yaml", Symbols: []string{"AAA"}, TrainStart: "01/02/2024"}
	err := req.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "train_start", verr.Field)
	require.NotEmpty(t, verr.Reason)

	req.TrainStart = "2024-01-02"
	require.NoError(t, req.Validate())
}

func TestBuildArgvRejectsEmptyEntries(t *testing.T) {
	req := &JobRequest{Policy: "", Seed: 1, StepBudget: 10}
	_, err := buildArgv("/bin/true", "/tmp/snap.yaml", "train", req)
	require.Error(t, err)

	req.Policy = "ppo"
	argv, err := buildArgv("/bin/true", "/tmp/snap.yaml", "train", req)
	require.NoError(t, err)
	require.Contains(t, argv, "--policy")
}

func TestStartTrainSpawnsSuccessfulSubprocess(t *testing.T) {
	dir := t.TempDir()
	layout, err := pathutil.NewLayout(filepath.Join(dir, "runs"), "")
	require.NoError(t, err)

	base := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(base, []byte("env: {}\n"), 0o644))

	reg := newFakeRegistry()
	l := New(layout, reg, "/bin/true", obs.NewNoopLogger(), obs.NewNoopProvider())

	req := &JobRequest{ConfigPath: base, Symbols: []string{"AAA"}, Policy: "ppo", StepBudget: 1, OutTag: "t1"}
	id, err := l.StartTrain(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec, err := reg.Get(id)
		return err == nil && rec.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, registry.StatusSucceeded, rec.Status)
	require.NotNil(t, rec.Pid)
}

func TestCancelIsIdempotentOnTerminalRun(t *testing.T) {
	reg := newFakeRegistry()
	now := time.Now().UTC()
	reg.records["done"] = &registry.RunRecord{ID: "done", Status: registry.StatusSucceeded, CreatedAt: now, FinishedAt: &now}

	l := New(nil, reg, "/bin/true", obs.NewNoopLogger(), obs.NewNoopProvider())
	require.NoError(t, l.Cancel(context.Background(), "done"))
	require.NoError(t, l.Cancel(context.Background(), "done")) // idempotent
}
