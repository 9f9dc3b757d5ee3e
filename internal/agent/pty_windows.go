//go:build windows

package agent

import (
	"errors"
	"os"
	"os/exec"
)

func startWithPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errors.New("pty workers are not supported on windows")
}
