package interfaces

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
	log "github.com/sirupsen/logrus"
)

// Command is one invocation of an external program.
type Command struct {
	Name string
	Args []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// Env is appended to the inherited environment.
	Env []string

	// LogDir, if set, receives stdout.log and stderr.log.
	LogDir string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, c Command) error
}

// ExecError reports a command that exited unsuccessfully.
type ExecError struct {
	Command  string
	ExitCode int

	// Stderr holds the end of the command's standard error.
	Stderr string
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

const stderrTail = 2048

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var outb, errb bytes.Buffer
	cmd.Stdout = &outb
	cmd.Stderr = &errb

	log.WithField("command", c.String()).Debugln("Running")
	runErr := cmd.Run()

	if c.LogDir != "" {
		if err := writeLogs(c, outb.Bytes(), errb.Bytes()); err != nil {
			log.WithError(err).Warnln("Could not write command logs")
		}
	}

	if runErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return pfx.Err(ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		tail := errb.String()
		if len(tail) > stderrTail {
			tail = tail[len(tail)-stderrTail:]
		}
		return &ExecError{Command: c.String(), ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(tail)}
	}

	return pfx.Err(fmt.Errorf("%s: %w", c.Name, runErr))
}

// writeLogs appends the command line and its output to the log directory.
func writeLogs(c Command, stdout, stderr []byte) error {
	if err := os.MkdirAll(c.LogDir, 0755); err != nil {
		return pfx.Err(err)
	}

	for name, content := range map[string][]byte{
		"stdout.log": append([]byte(c.String()+"\n"), stdout...),
		"stderr.log": stderr,
	} {
		f, err := os.OpenFile(filepath.Join(c.LogDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return pfx.Err(err)
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			return pfx.Err(err)
		}
		if err := f.Close(); err != nil {
			return pfx.Err(err)
		}
	}

	return nil
}
