//go:build windows

package mcpclient

import "os"

// Windows has no SIGTERM; graceful termination falls back to Kill.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
