package container

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	mu sync.Mutex

	stdout   string
	stderr   string
	exitCode int64

	config     *container.Config
	hostConfig *container.HostConfig
	stdin      bytes.Buffer
	stdinDone  chan struct{}
	removed    []string
	listed     []container.Summary

	// hang keeps the output stream open until the container is removed.
	hang    bool
	hangOut *io.PipeWriter
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{stdinDone: make(chan struct{})}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.config = config
	f.hostConfig = hostConfig
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerAttach(_ context.Context, _ string, _ container.AttachOptions) (types.HijackedResponse, error) {
	client, server := net.Pipe()
	go func() {
		defer close(f.stdinDone)
		_, _ = io.Copy(&f.stdin, server)
	}()

	if f.hang {
		pr, pw := io.Pipe()
		f.mu.Lock()
		f.hangOut = pw
		f.mu.Unlock()
		return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(pr)}, nil
	}

	var frames bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&frames, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&frames, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(&frames)}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	ch := make(chan container.WaitResponse, 1)
	ch <- container.WaitResponse{StatusCode: f.exitCode}
	return ch, make(chan error)
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	if f.hangOut != nil {
		_ = f.hangOut.CloseWithError(errors.New("container removed"))
	}
	return nil
}

func (f *fakeDocker) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeDocker) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return f.listed, nil
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func TestRunDemuxesOutputAndRemovesContainer(t *testing.T) {
	f := newFakeDocker()
	f.stdout = `{"ok":true}`
	f.stderr = "warning: something"
	r := newDockerRunner(f, Options{Image: "datachat-runner:latest", DatasetPath: "/srv/data/titanic.csv"})

	out, err := r.Run(context.Background(), "print('hi')", []byte(`{"code":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(out))

	select {
	case <-f.stdinDone:
	case <-time.After(time.Second):
		t.Fatal("stdin was not closed")
	}
	assert.Equal(t, `{"code":"x"}`, f.stdin.String())
	assert.Equal(t, []string{"c1"}, f.removed)

	assert.Equal(t, []string{"python3", "-c", "print('hi')"}, []string(f.config.Cmd))
	assert.True(t, f.config.OpenStdin)
	assert.Equal(t, "true", f.config.Labels[RunnerLabel])
	assert.Contains(t, f.config.Env, "DATACHAT_DATASET=/data/titanic.csv")
	assert.Equal(t, container.NetworkMode("none"), f.hostConfig.NetworkMode)
	require.Len(t, f.hostConfig.Mounts, 1)
	assert.Equal(t, mount.Mount{
		Type:     mount.TypeBind,
		Source:   "/srv/data/titanic.csv",
		Target:   "/data/titanic.csv",
		ReadOnly: true,
	}, f.hostConfig.Mounts[0])
}

func TestRunNonZeroExit(t *testing.T) {
	f := newFakeDocker()
	f.stderr = "Traceback: NameError"
	f.exitCode = 1
	r := newDockerRunner(f, Options{Image: "img"})

	_, err := r.Run(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonZeroExit))
	assert.Contains(t, err.Error(), "NameError")
	assert.Equal(t, []string{"c1"}, f.removed)
	assert.Empty(t, f.hostConfig.Mounts)
}

func TestRunStopsOnContextDeadline(t *testing.T) {
	f := newFakeDocker()
	f.hang = true
	r := newDockerRunner(f, Options{Image: "img"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, "while True: pass", nil)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the deadline")
	}
	assert.Equal(t, []string{"c1"}, f.removedIDs())
}

func TestReapStale(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFakeDocker()
	f.listed = []container.Summary{
		{ID: "old", Created: now.Add(-2 * time.Hour).Unix(), State: "exited"},
		{ID: "fresh", Created: now.Add(-time.Minute).Unix(), State: "running"},
	}
	r := newDockerRunner(f, Options{Image: "img"})

	removed := r.reapStale(context.Background(), time.Hour, now)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"old"}, f.removed)
}

func TestTail(t *testing.T) {
	long := bytes.Repeat([]byte("x"), maxStderrInError+10)
	got := tail(string(long))
	assert.Len(t, got, maxStderrInError+3)
	assert.Equal(t, "short", tail("  short\n"))
}
