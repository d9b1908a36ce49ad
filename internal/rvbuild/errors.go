package rvbuild

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Fatal error classes. None of them is ever repaired automatically: the run
// stops and the operator re-runs once the cause is fixed.
var (
	ErrPartialState   = errors.New("inconsistent state from a previous run")
	ErrCorruptArchive = errors.New("corrupt cache archive")
	ErrMarkerMissing  = errors.New("build finished without producing its marker")
	ErrImageNotFound  = errors.New("no disk image found")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidState   = errors.New("invalid variant state transition")
)

// StageError describes a failed external command and the pipeline stage it belonged to.
type StageError struct {
	Stage    string
	Command  []string
	ExitCode int // -1 when the process never ran or was killed by a signal
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %q exited with %d: %v", e.Stage, strings.Join(e.Command, " "), e.ExitCode, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fields renders the error as a single key=value line for the failure report.
func (e *StageError) Fields() string {
	return fmt.Sprintf("stage=%s command=%q exit=%d", e.Stage, strings.Join(e.Command, " "), e.ExitCode)
}

// newStageError wraps err with the stage and argv of cmd.
func newStageError(stage string, cmd *exec.Cmd, err error) *StageError {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	var args []string
	if cmd != nil {
		args = cmd.Args
	}
	return &StageError{Stage: stage, Command: args, ExitCode: code, Err: err}
}
