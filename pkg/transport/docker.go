// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
	transporterrors "github.com/stacklok/mcphub/pkg/transport/errors"
)

const containerStopTimeoutSeconds = 10

// DockerTransport runs the backend inside a container and attaches to its
// stdio streams. Framing is identical to StdioTransport; the only
// difference is where the process lives.
type DockerTransport struct {
	image   string
	command string
	args    []string
	env     map[string]string
	name    string
	handler Handler

	mu          sync.Mutex
	cli         *client.Client
	containerID string
	stdin       io.Writer
	started     bool
	closed      bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewDockerTransport creates a new containerized subprocess transport.
func NewDockerTransport(config Config) *DockerTransport {
	return &DockerTransport{
		image:   config.Image,
		command: config.Command,
		args:    config.Args,
		env:     config.Env,
		name:    config.Name,
		handler: config.Handler,
	}
}

// Start creates the container, attaches to its stdio and starts it.
func (t *DockerTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return transporterrors.ErrAlreadyStarted
	}
	if t.image == "" {
		return fmt.Errorf("docker transport requires an image")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create container client: %w", err)
	}

	env := make([]string, 0, len(t.env)+1)
	for k, v := range t.env {
		env = append(env, k+"="+v)
	}
	env = append(env, "MCP_TRANSPORT=stdio")

	var cmd []string
	if t.command != "" {
		cmd = append([]string{t.command}, t.args...)
	}

	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        t.image,
		Cmd:          cmd,
		Env:          env,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, nil, nil, nil, "")
	if err != nil {
		_ = cli.Close()
		return fmt.Errorf("failed to create container for %s: %w", t.name, err)
	}

	attach, err := cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		_ = cli.Close()
		return fmt.Errorf("failed to attach to container for %s: %w", t.name, err)
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		_ = cli.Close()
		return fmt.Errorf("failed to start container for %s: %w", t.name, err)
	}

	t.cli = cli
	t.containerID = created.ID
	t.stdin = attach.Conn
	t.started = true

	// The attach stream multiplexes stdout and stderr; demux stdout into
	// a pipe for the read loop and route stderr to the log.
	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutWriter, &stderrLogWriter{backend: t.name}, attach.Reader)
		_ = stdoutWriter.CloseWithError(err)
	}()
	go t.readLoop(stdoutReader, &attach)

	logger.Infof("Started container backend %s (%s)", t.name, created.ID[:12])
	return nil
}

// Send writes one message to the container's stdin.
func (t *DockerTransport) Send(msg *protocol.Message) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return transporterrors.ErrNotStarted
	}
	if t.closed {
		t.mu.Unlock()
		return transporterrors.ErrClosed
	}
	stdin := t.stdin
	t.mu.Unlock()

	data, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON-RPC message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to container stdin: %w", err)
	}
	return nil
}

// Close stops and removes the container.
func (t *DockerTransport) Close() error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cli := t.cli
	containerID := t.containerID
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopTimeout := containerStopTimeoutSeconds
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		logger.Warnf("Failed to stop container for %s: %v", t.name, err)
	}
	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logger.Warnf("Failed to remove container for %s: %v", t.name, err)
	}
	return nil
}

func (t *DockerTransport) readLoop(stdout io.Reader, attach interface{ Close() }) {
	readMessages(stdout, t.handler, t.name)

	t.mu.Lock()
	t.closed = true
	cli := t.cli
	t.mu.Unlock()

	attach.Close()
	if cli != nil {
		_ = cli.Close()
	}
	t.closeOnce.Do(t.handler.OnClose)
}

// stderrLogWriter forwards a container's stderr stream to the log.
type stderrLogWriter struct {
	backend string
}

func (w *stderrLogWriter) Write(p []byte) (int, error) {
	logger.Debugw("backend stderr", "backend", w.backend, "output", string(p))
	return len(p), nil
}
