//go:build !unix

package process

import "os"

// Termination signals are not reported outside unix; a killed process shows
// up as a nonzero exit.
func signalName(*os.ProcessState) string { return "" }

func terminate(p *os.Process) error {
	return p.Kill()
}
