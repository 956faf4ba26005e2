//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func configureProcessGroup(*exec.Cmd) {}

func killProcessGroup(int) error {
	return nil
}

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
