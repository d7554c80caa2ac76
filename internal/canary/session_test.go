package canary

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartSessionWritesMetaFile(t *testing.T) {
	dir := t.TempDir()
	s, err := StartSession(dir, DefaultConfig(), "sess1", map[string]any{"owner": "trader1"}, nil)
	require.NoError(t, err)
	require.Equal(t, "sess1", s.sessionID)

	raw, err := os.ReadFile(filepath.Join(dir, "live_session.json"))
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Equal(t, "sess1", meta["session_id"])
}

func TestRecordAppendsOneAuditLinePerCall(t *testing.T) {
	dir := t.TempDir()
	s, err := StartSession(dir, DefaultConfig(), "sess1", nil, nil)
	require.NoError(t, err)

	s.Record(goodMetrics(), 100, 105, true, 1000)
	s.Record(goodMetrics(), 110, 115, true, 1000)

	f, err := os.Open(filepath.Join(dir, "live_audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	count := 0
	for sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		count++
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		require.Contains(t, rec, "deploy_capital")
	}
	require.Equal(t, 2, count)
}

func TestRecordWritesSummaryEverySummaryEveryRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := StartSession(dir, DefaultConfig(), "sess1", nil, nil)
	require.NoError(t, err)
	s.summaryEvery = 3

	for i := 0; i < 3; i++ {
		s.Record(goodMetrics(), 100, 105, true, 1000)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "live_metrics.json"))
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(raw, &summary))
	require.Contains(t, summary, "rolling_sharpe")
}

func TestRecordHaltsOnStaleHeartbeat(t *testing.T) {
	dir := t.TempDir()
	s, err := StartSession(dir, DefaultConfig(), "sess1", nil, nil)
	require.NoError(t, err)

	stage := s.Record(goodMetrics(), 0, 10000, true, 1000) // far beyond max_delay_sec
	require.Equal(t, 0.0, stage)
	require.True(t, s.state.Halted)
}

func TestRecordHaltsWhenBrokerNotOK(t *testing.T) {
	dir := t.TempDir()
	s, err := StartSession(dir, DefaultConfig(), "sess1", nil, nil)
	require.NoError(t, err)

	s.Record(goodMetrics(), 100, 105, false, 1000)
	require.True(t, s.state.Halted)
}

func TestSnapshotReflectsCurrentState(t *testing.T) {
	dir := t.TempDir()
	s, err := StartSession(dir, DefaultConfig(), "sess1", nil, nil)
	require.NoError(t, err)

	s.Record(goodMetrics(), 100, 105, true, 1000)
	snap := s.Snapshot()
	require.Equal(t, "sess1", snap["session_id"])
	require.Equal(t, false, snap["halted"])
}
