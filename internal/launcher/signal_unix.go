//go:build !windows

package launcher

import (
	"os"
	"syscall"
)

// terminateProcess sends a single SIGTERM; escalation to SIGKILL is
// intentionally omitted since training workers are bounded by their own
// step budget, not by the orchestrator (§5).
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
