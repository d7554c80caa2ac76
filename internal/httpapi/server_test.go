package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"controlplane/internal/health"
	"controlplane/internal/launcher"
	"controlplane/internal/obs"
	"controlplane/internal/pathutil"
	"controlplane/internal/registry"
	"controlplane/internal/telemetry/stream"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	layout, err := pathutil.NewLayout(filepath.Join(dir, "runs"), "")
	require.NoError(t, err)

	store, err := registry.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := launcher.New(layout, store, "/bin/true", obs.NewNoopLogger(), obs.NewNoopProvider())
	bus := stream.NewBus(16, obs.NewNoopLogger())

	srv := NewServer(Deps{
		Layout: layout, Store: store, Launcher: l, Bus: bus,
		Health: health.NewEvaluator(time.Second), Metrics: obs.NewNoopProvider(),
		Log: obs.NewNoopLogger(), RunsLiveDir: filepath.Join(dir, "runs", "live"),
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestTrainSubmissionReturnsJobIDAndTransitionsToSucceeded(t *testing.T) {
	_, ts := newTestServer(t)

	base := filepath.Join(t.TempDir(), "base.yaml")
	require.NoError(t, writeFile(base, "env: {}\n"))

	body, _ := json.Marshal(map[string]any{
		"config_path": base, "symbols": []string{"AAA"}, "policy": "ppo",
		"step_budget": 1, "out_tag": "t1",
	})
	resp, err := http.Post(ts.URL+"/train", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["job_id"])

	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/runs/" + out["job_id"])
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var rec map[string]any
		json.NewDecoder(r.Body).Decode(&rec)
		return rec["status"] == "SUCCEEDED"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTrainRejectsUnknownFields(t *testing.T) {
	_, ts := newTestServer(t)
	body := []byte(`{"config_path":"x.yaml","symbols":["AAA"],"bogus_field":true}`)
	resp, err := http.Post(ts.URL+"/train", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownRunReturns404(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/runs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRunsReturnsArray(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
}

func TestCancelUnknownRunReturns404(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/runs/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthzReturnsOverallStatus(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTradeLifecycleStartStatusStop(t *testing.T) {
	_, ts := newTestServer(t)

	startBody, _ := json.Marshal(map[string]any{"run_id": "r1"})
	resp, err := http.Post(ts.URL+"/trade/start", "application/json", bytes.NewReader(startBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statusBody, _ := json.Marshal(map[string]any{
		"metrics": map[string]float64{"sharpe": 1.0, "hitrate": 0.6, "slippage_bps": 2.0},
		"last_bar_ts": 100, "now_ts": 105, "broker_ok": true, "target_capital": 1000,
	})
	resp2, err := http.Post(ts.URL+"/trade/status", "application/json", bytes.NewReader(statusBody))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Post(ts.URL+"/trade/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestTelemetryStreamTailsTelemetryJSONLNotMetricsArtifact(t *testing.T) {
	_, ts := newTestServer(t)

	base := filepath.Join(t.TempDir(), "base.yaml")
	require.NoError(t, writeFile(base, "env: {}\n"))
	body, _ := json.Marshal(map[string]any{
		"config_path": base, "symbols": []string{"AAA"}, "policy": "ppo",
		"step_budget": 1, "out_tag": "t-telemetry",
	})
	resp, err := http.Post(ts.URL+"/train", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	runID := out["job_id"]

	var rec map[string]any
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/runs/" + runID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		return json.NewDecoder(r.Body).Decode(&rec) == nil && rec["out_dir"] != nil
	}, 2*time.Second, 20*time.Millisecond)
	outDir := rec["out_dir"].(string)

	// report/metrics.json is the closed-run download artifact; a client
	// tailing live per-bar telemetry must never see its contents.
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "report"), 0o755))
	require.NoError(t, writeFile(filepath.Join(outDir, "report", "metrics.json"), `{"final_equity": 999999}`))
	require.NoError(t, writeFile(filepath.Join(outDir, "telemetry.jsonl"), `{"kind":"bar","data":{"equity":100}}`+"\n"))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/runs/"+runID+"/telemetry?from_start=true", nil)
	require.NoError(t, err)
	client := &http.Client{Timeout: 2 * time.Second}
	sresp, err := client.Do(req)
	require.NoError(t, err)
	defer sresp.Body.Close()

	reader := bufio.NewReader(sresp.Body)
	var payload string
	for i := 0; i < 10; i++ {
		line, readErr := reader.ReadString('\n')
		require.NoError(t, readErr)
		payload += line
		if strings.Contains(payload, `"equity":100`) {
			break
		}
	}
	require.Contains(t, payload, `"equity":100`)
	require.NotContains(t, payload, "999999")
}

func TestTradeStatusBeforeStartIsPrecondition(t *testing.T) {
	_, ts := newTestServer(t)
	statusBody, _ := json.Marshal(map[string]any{
		"metrics": map[string]float64{}, "last_bar_ts": 1, "now_ts": 2, "broker_ok": true, "target_capital": 0,
	})
	resp, err := http.Post(ts.URL+"/trade/status", "application/json", bytes.NewReader(statusBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}
