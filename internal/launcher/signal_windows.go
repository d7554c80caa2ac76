//go:build windows

package launcher

import "os"

// terminateProcess on Windows has no SIGTERM equivalent delivered to
// arbitrary child processes, so this build uses Process.Kill instead.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
