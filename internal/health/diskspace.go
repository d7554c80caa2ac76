package health

import (
	"context"
	"fmt"
)

// DiskSpaceProbe reports unhealthy when the filesystem holding path has
// fewer than minFreeBytes available, degraded when the free space cannot
// be read, and healthy otherwise.
func DiskSpaceProbe(name, path string, minFreeBytes uint64) Probe {
	return ProbeFunc(func(ctx context.Context) ProbeResult {
		free, total, err := diskFree(path)
		if err != nil {
			return Degraded(name, err.Error())
		}
		if free < minFreeBytes {
			return Unhealthy(name, fmt.Sprintf("%d bytes free of %d (min %d)", free, total, minFreeBytes))
		}
		return Healthy(name)
	})
}
