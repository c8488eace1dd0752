// Package runner executes external commands, locally or on a remote host,
// capturing their combined output and exit status.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Result is the outcome of a command that was started.
type Result struct {
	Status int
	Output []byte
}

// Runner runs a single command line. A returned error means the command
// could not be run at all; a command that ran and failed returns a Result
// with a non-zero Status.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// StatusError describes a command that exited with a non-zero status.
type StatusError struct {
	Command string
	Status  int
	Output  string
}

func (e *StatusError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Status)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Status, out)
}

// Check runs the command and turns a non-zero status into a *StatusError.
func Check(ctx context.Context, r Runner, name string, args ...string) (Result, error) {
	res, err := r.Run(ctx, name, args...)
	if err != nil {
		return res, err
	}
	if res.Status != 0 {
		return res, &StatusError{
			Command: strings.Join(append([]string{name}, args...), " "),
			Status:  res.Status,
			Output:  string(res.Output),
		}
	}
	return res, nil
}

// Local runs commands on this host.
type Local struct{}

// Run implements Runner.
func (Local) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out := &bytes.Buffer{}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	res := Result{Status: exitStatus(err), Output: out.Bytes()}
	log.WithFields(log.Fields{
		"command": name,
		"args":    args,
		"status":  res.Status,
	}).Debug("ran command")

	if _, ok := err.(*exec.ExitError); ok {
		return res, nil
	}
	return res, err
}

func exitStatus(err error) int {
	exitStatus := 0
	if err != nil {
		if exiterr, ok := err.(*exec.ExitError); ok {
			if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
				exitStatus = status.ExitStatus()
			} else {
				exitStatus = exiterr.ExitCode()
			}
		}
	}
	return exitStatus
}
