//go:build !windows

package agent

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

const (
	ptyRows = 40
	ptyCols = 120
)

// startWithPTY starts cmd attached to a new pseudo-terminal and returns its
// master side. pty sets Setsid and Setctty on the process attributes.
func startWithPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.StartWithAttrs(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols}, cmd.SysProcAttr)
}
