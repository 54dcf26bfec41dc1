//go:build windows

package process

import (
	"os"
	"os/exec"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func configureSysProcAttr(*exec.Cmd) {}

// signalGroup has no group semantics on Windows; both signals kill.
func signalGroup(pid int, _ signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func signalOf(*os.ProcessState) string { return "" }
