package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ProcessRunner runs scripts with a local Python interpreter, one process per call.
type ProcessRunner struct {
	PythonBin   string
	DatasetPath string
}

// NewProcessRunner creates a runner using pythonBin (python3 when empty).
func NewProcessRunner(pythonBin, datasetPath string) *ProcessRunner {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	return &ProcessRunner{PythonBin: pythonBin, DatasetPath: datasetPath}
}

// Run executes script and returns its stdout.
func (r *ProcessRunner) Run(ctx context.Context, script string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.PythonBin, "-c", script)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), "MPLBACKEND=Agg")
	if r.DatasetPath != "" {
		cmd.Env = append(cmd.Env, "DATACHAT_DATASET="+r.DatasetPath)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w: %s", r.PythonBin, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Ping checks that the interpreter can be found.
func (r *ProcessRunner) Ping(_ context.Context) error {
	if _, err := exec.LookPath(r.PythonBin); err != nil {
		return fmt.Errorf("find interpreter: %w", err)
	}
	return nil
}
