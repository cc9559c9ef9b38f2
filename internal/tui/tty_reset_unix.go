//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores a sane terminal after the alt screen, in case
// the program was killed mid-frame.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
