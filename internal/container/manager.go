// Package container runs plotting code inside short-lived Docker containers.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// RunnerLabel marks containers created by DockerRunner.
	RunnerLabel = "datachat.runner"

	containerUser = "1000"
	datasetDir    = "/data"

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 128

	maxStderrInError = 2048
)

// ErrNonZeroExit is returned when the runner process exits with a non-zero status.
var ErrNonZeroExit = errors.New("runner exited with non-zero status")

// dockerAPI is the subset of the Docker client used by DockerRunner.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Ping(ctx context.Context) (types.Ping, error)
}

// Options configures a DockerRunner.
type Options struct {
	Image       string
	PythonBin   string
	DatasetPath string // host path, bind-mounted read-only
	Runtime     string // "" = default (runc), "runsc" = gVisor
}

// DockerRunner executes a Python script in a fresh, network-isolated container
// per call. It satisfies the executor's Runner interface.
type DockerRunner struct {
	cli  dockerAPI
	opts Options
}

// NewDockerRunner creates a runner backed by the Docker daemon from the environment.
func NewDockerRunner(opts Options) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := opts.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", opts.Image)
	return newDockerRunner(cli, opts), nil
}

func newDockerRunner(cli dockerAPI, opts Options) *DockerRunner {
	if opts.PythonBin == "" {
		opts.PythonBin = "python3"
	}
	return &DockerRunner{cli: cli, opts: opts}
}

// Ping verifies the Docker daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Run executes script with stdin attached and returns its stdout.
// The container is removed when Run returns.
func (r *DockerRunner) Run(ctx context.Context, script string, stdin []byte) ([]byte, error) {
	config, hostConfig := r.containerConfig(script)

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer r.remove(context.WithoutCancel(ctx), resp.ID)

	hijack, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", resp.ID, err)
	}
	defer hijack.Close()

	waitCh, waitErrCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := hijack.Conn.Write(stdin)
		if err == nil {
			err = hijack.CloseWrite()
		}
		writeErr <- err
	}()

	// The hijacked stream ignores ctx; on cancellation the deferred close and
	// force-remove end it.
	var stdout, stderr bytes.Buffer
	copyErr := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, hijack.Reader)
		copyErr <- err
	}()

	select {
	case err := <-copyErr:
		if err != nil {
			return nil, fmt.Errorf("read container output: %w", err)
		}
	case <-ctx.Done():
		slog.Warn("Runner timed out, removing container", "container_id", resp.ID, "error", ctx.Err())
		return nil, ctx.Err()
	}

	select {
	case err := <-writeErr:
		if err != nil {
			slog.Debug("Runner stdin write failed", "container_id", resp.ID, "error", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-waitErrCh:
		return nil, fmt.Errorf("wait container %s: %w", resp.ID, err)
	case status := <-waitCh:
		if status.Error != nil && status.Error.Message != "" {
			return nil, fmt.Errorf("wait container %s: %s", resp.ID, status.Error.Message)
		}
		if status.StatusCode != 0 {
			return stdout.Bytes(), fmt.Errorf("%w: %d: %s", ErrNonZeroExit, status.StatusCode, tail(stderr.String()))
		}
	}
	return stdout.Bytes(), nil
}

func (r *DockerRunner) containerConfig(script string) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:        r.opts.Image,
		User:         containerUser,
		Cmd:          []string{r.opts.PythonBin, "-c", script},
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          []string{"MPLBACKEND=Agg", "MPLCONFIGDIR=/tmp"},
		Labels:       map[string]string{RunnerLabel: "true"},
	}

	hostConfig := &container.HostConfig{
		Runtime:        r.opts.Runtime,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	if r.opts.DatasetPath != "" {
		source, err := filepath.Abs(r.opts.DatasetPath)
		if err != nil {
			source = r.opts.DatasetPath
		}
		target := datasetDir + "/" + filepath.Base(source)
		hostConfig.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   source,
			Target:   target,
			ReadOnly: true,
		}}
		config.Env = append(config.Env, "DATACHAT_DATASET="+target)
	}
	return config, hostConfig
}

// remove force-removes a runner container. It is idempotent.
func (r *DockerRunner) remove(ctx context.Context, containerID string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		slog.Debug("Runner container removed", "container_id", containerID)
	case errdefs.IsNotFound(err), strings.Contains(err.Error(), "is already in progress"):
		slog.Debug("Runner container already removed", "container_id", containerID)
	default:
		slog.Warn("Failed to remove runner container", "container_id", containerID, "error", err)
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrInError {
		return "..." + s[len(s)-maxStderrInError:]
	}
	return s
}

func ptr[T any](v T) *T {
	return &v
}
