// Package process launches and controls subprocesses.
//
// Child wraps os/exec for one subprocess:
//   - Extra file descriptors and stdin payload for parent/child protocols
//   - Output streaming line by line with pluggable log parsing
//   - SIGINT and SIGKILL delivery, and Stop for SIGINT followed by SIGKILL
//     after a timeout
//   - Exit codes that report signal deaths as 128+signal
//
// RunCommand runs a shell-style command line to completion, stopping it
// when its context is cancelled.
//
// Example:
//
//	c := process.NewChild(process.Spec{
//	    ID:   "worker-1",
//	    Path: "/usr/local/bin/suitkaise",
//	    Args: []string{"_worker"},
//	}, logger)
//	if err := c.Start(); err != nil {
//	    return err
//	}
//	<-c.Done()
//	log.Printf("exit code %d", c.ExitCode())
package process
