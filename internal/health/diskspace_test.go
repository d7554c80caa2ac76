package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskSpaceProbeHealthyUnderGenerousMinimum(t *testing.T) {
	probe := DiskSpaceProbe("disk_space", t.TempDir(), 1)
	result := probe.Check(context.Background())
	require.Equal(t, StatusHealthy, result.Status)
}

func TestDiskSpaceProbeUnhealthyWhenMinimumUnreasonable(t *testing.T) {
	probe := DiskSpaceProbe("disk_space", t.TempDir(), 1<<62)
	result := probe.Check(context.Background())
	require.Equal(t, StatusUnhealthy, result.Status)
	require.NotEmpty(t, result.Detail)
}
