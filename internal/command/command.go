// Package command runs the external tools jail management shells out to
// (zfs, jail, jexec, ifconfig, mount, ...).
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"zjm/internal/errs"
)

type Cmd struct {
	Name string
	Args []string
	// Env is appended to the current environment.
	Env []string
	Dir string
	// Stdin and Stdout stream instead of buffering when set.
	Stdin  io.Reader
	Stdout io.Writer
}

func New(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

type Runner interface {
	// Run executes c and returns its stdout. A non-zero exit is an *Error.
	Run(ctx context.Context, c Cmd) ([]byte, error)
}

// Output is shorthand for running name with args.
func Output(ctx context.Context, r Runner, name string, args ...string) ([]byte, error) {
	return r.Run(ctx, New(name, args...))
}

// Error describes a failed command. errors.Is(err, errs.CommandFailed) holds.
type Error struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *Error) Error() string {
	cmdline := strings.TrimSpace(e.Name + " " + strings.Join(e.Args, " "))
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s: timed out", cmdline)
	case e.Stderr != "":
		return fmt.Sprintf("%s: %s", cmdline, e.Stderr)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", cmdline, e.Err)
	}
	return fmt.Sprintf("%s: exit status %d", cmdline, e.ExitCode)
}

func (e *Error) Is(target error) bool {
	return errs.CommandFailed.Is(target)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Stderr returns the captured stderr of a failed command, or "".
func Stderr(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Stderr
	}
	return ""
}

// Exec runs commands on the host with a per-call timeout.
type Exec struct {
	Timeout time.Duration
}

func NewExec(timeout time.Duration) *Exec {
	return &Exec{Timeout: timeout}
}

func (e *Exec) Run(ctx context.Context, c Cmd) ([]byte, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	ce := &Error{
		Name:   c.Name,
		Args:   c.Args,
		Stderr: strings.TrimSpace(stderr.String()),
		Err:    err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	} else {
		ce.ExitCode = -1
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ce.TimedOut = true
	}
	return stdout.Bytes(), ce
}
