// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
	transporterrors "github.com/stacklok/mcphub/pkg/transport/errors"
)

// StdioTransport runs the backend as a local subprocess and exchanges
// newline-delimited JSON-RPC messages over its stdin/stdout pipes. The
// subprocess's stderr is drained into the log.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string
	name    string
	handler Handler

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closed  bool

	// writeMu serializes writes so concurrent Sends don't interleave frames.
	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewStdioTransport creates a new stdio transport from the config.
func NewStdioTransport(config Config) *StdioTransport {
	return &StdioTransport{
		command: config.Command,
		args:    config.Args,
		env:     config.Env,
		name:    config.Name,
		handler: config.Handler,
	}
}

// Start launches the subprocess and begins reading its stdout.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return transporterrors.ErrAlreadyStarted
	}
	if t.command == "" {
		return fmt.Errorf("stdio transport requires a command")
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	go t.drainStderr(stderr)
	go t.readLoop(stdout)

	logger.Infof("Started stdio backend %s (pid %d)", t.name, cmd.Process.Pid)
	return nil
}

// Send writes one message to the subprocess's stdin.
func (t *StdioTransport) Send(msg *protocol.Message) error {
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
		return fmt.Errorf("failed to write to backend stdin: %w", err)
	}
	return nil
}

// Close terminates the subprocess. The handler's OnClose fires when the
// read loop observes the pipes going away.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	// Closing stdin lets well-behaved servers exit on their own.
	_ = stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	readMessages(stdout, t.handler, t.name)

	t.mu.Lock()
	t.closed = true
	cmd := t.cmd
	t.mu.Unlock()

	if cmd != nil {
		// Reap the process so it doesn't linger as a zombie.
		if err := cmd.Wait(); err != nil {
			logger.Debugf("Backend %s exited: %v", t.name, err)
		}
	}

	t.closeOnce.Do(t.handler.OnClose)
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Debugw("backend stderr", "backend", t.name, "line", scanner.Text())
	}
}
