// Package ffmpeg drives the external encoder: argument building, process
// execution, progress parsing, hardware probing and ffprobe.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
)

// Process is a running encoder.
//
// Stderr must be drained to EOF before Wait is called; Wait releases the
// pipe once the process exits.
type Process interface {
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code. err is
	// non-nil only when the exit status could not be determined.
	Wait() (exitCode int, err error)
	Kill() error
}

// Encoder starts encoder processes. Implementations decide which binary runs.
type Encoder interface {
	Start(ctx context.Context, args []string, stdin io.Reader) (Process, error)
}

// commandRunner runs a short-lived command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output() //nolint:gosec // binary resolved by FindBinary
}

// ExecEncoder runs the ffmpeg binary as a child process.
type ExecEncoder struct {
	binary    string
	waitDelay time.Duration
}

// NewExecEncoder creates an encoder that runs binary.
func NewExecEncoder(binary string) *ExecEncoder {
	return &ExecEncoder{binary: binary, waitDelay: 5 * time.Second}
}

// Binary returns the path of the ffmpeg executable.
func (e *ExecEncoder) Binary() string {
	return e.binary
}

// Start launches ffmpeg with args, feeding stdin to the process. The process
// is killed when ctx is cancelled.
func (e *ExecEncoder) Start(ctx context.Context, args []string, stdin io.Reader) (Process, error) {
	cmd := exec.CommandContext(ctx, e.binary, args...) //nolint:gosec // binary resolved by FindBinary
	cmd.Stdin = stdin
	// Unblocks Wait when a network-backed stdin never returns after exit.
	cmd.WaitDelay = e.waitDelay

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating stderr pipe: %w", models.ErrExecutionFailure, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %w", models.ErrExecutionFailure, e.binary, err)
	}
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr io.Reader
	once   sync.Once
	code   int
	err    error
}

func (p *execProcess) Stderr() io.Reader {
	return p.stderr
}

func (p *execProcess) Wait() (int, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.code = 0
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code, p.err = -1, err
		}
	})
	return p.code, p.err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

var _ Encoder = (*ExecEncoder)(nil)
