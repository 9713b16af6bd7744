package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// ProcessRunner invokes an external imaging tool and streams its stdout back
// as the image payload, generalizing the teacher's direct exec.CommandContext
// calls in internal/pipeline/internal/engine into an injectable seam so the
// full-image path can be tested without a real imaging tool on PATH.
type ProcessRunner interface {
	Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

// ExecRunner is the production ProcessRunner, shelling out via os/exec the
// same way the teacher's pipeline package runs rclone and dump tools, but
// piping stdout directly instead of buffering it.
type ExecRunner struct{}

// Stream starts name with args and returns a ReadCloser over its stdout.
// Closing the returned reader waits for the process to exit; stderr is
// folded into the wait error for diagnostics, matching the teacher's
// dumpStderr/rcloneStderr capture-and-wrap pattern.
func (ExecRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe for %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	return &imageStream{stdout: stdout, cmd: cmd, stderr: &stderr}, nil
}

type imageStream struct {
	stdout io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (s *imageStream) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *imageStream) Close() error {
	s.stdout.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("running %s: %w (stderr: %s)", s.cmd.Path, err, s.stderr.String())
	}
	return nil
}

// CaptureImage runs the configured imaging tool via runner and returns a
// reader over its stdout, the image stream RunFullImageBackup uploads
// without ever holding the whole image in memory.
func CaptureImage(ctx context.Context, runner ProcessRunner, name string, args ...string) (io.ReadCloser, error) {
	if runner == nil {
		return nil, fmt.Errorf("no process runner configured for full-image backup")
	}
	return runner.Stream(ctx, name, args...)
}
