// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the point-to-point message channels used to
// talk to backend MCP servers. A transport is an ordered, bidirectional
// JSON-RPC message stream; the same interface covers a subprocess pipe, a
// container-attached pipe and a streaming HTTP channel.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
	transporterrors "github.com/stacklok/mcphub/pkg/transport/errors"
)

// Handler receives inbound messages and lifecycle signals from a transport.
// The set of events is fixed; implementations must be safe for calls from
// the transport's reader goroutine.
type Handler interface {
	// OnMessage is called for every well-formed inbound JSON-RPC message.
	OnMessage(msg *protocol.Message)

	// OnError is called for recoverable transport errors. The transport
	// stays open; fatal conditions are signalled through OnClose instead.
	OnError(err error)

	// OnClose is called exactly once when the transport shuts down,
	// whether by Close or by the remote side going away.
	OnClose()
}

// Transport is a channel to one backend process or endpoint.
type Transport interface {
	// Start opens the channel and begins delivering inbound messages to
	// the handler. The context bounds startup only, not the lifetime.
	Start(ctx context.Context) error

	// Send forwards one message to the backend.
	Send(msg *protocol.Message) error

	// Close shuts the channel down and releases its resources.
	Close() error
}

// Type represents the kind of transport to use.
//
//nolint:revive // Intentionally named Type despite package name
type Type string

const (
	// TypeStdio runs the backend as a subprocess and talks over its pipes.
	TypeStdio Type = "stdio"

	// TypeDocker runs the backend in a container and attaches to its pipes.
	TypeDocker Type = "docker"

	// TypeStreamableHTTP talks to a backend over a streaming HTTP channel.
	TypeStreamableHTTP Type = "streamable-http"
)

// String returns the string representation of the transport type.
func (t Type) String() string {
	return string(t)
}

// ParseType parses a string into a transport type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "stdio":
		return TypeStdio, nil
	case "docker", "container":
		return TypeDocker, nil
	case "streamable-http", "http":
		return TypeStreamableHTTP, nil
	default:
		return "", transporterrors.ErrUnsupportedTransport
	}
}

// Config contains configuration options for a transport.
type Config struct {
	// Type is the kind of transport to create.
	Type Type

	// Command and Args describe the subprocess for stdio transports.
	Command string
	Args    []string

	// Env holds extra environment variables for subprocess and container
	// transports.
	Env map[string]string

	// Image is the container image for docker transports.
	Image string

	// URL is the endpoint for streamable HTTP transports.
	URL string

	// Name labels the transport in logs, usually the backend name.
	Name string

	// Handler receives inbound messages and lifecycle signals.
	Handler Handler
}

// Factory creates transports.
type Factory struct{}

// NewFactory creates a new transport factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Create creates a transport based on the provided configuration.
func (*Factory) Create(config Config) (Transport, error) {
	if config.Handler == nil {
		return nil, errors.New("transport config requires a handler")
	}
	switch config.Type {
	case TypeStdio:
		return NewStdioTransport(config), nil
	case TypeDocker:
		return NewDockerTransport(config), nil
	case TypeStreamableHTTP:
		return NewStreamableHTTPTransport(config), nil
	default:
		return nil, transporterrors.ErrUnsupportedTransport
	}
}

// readMessages consumes newline-delimited JSON-RPC messages from r and
// delivers them to the handler until the stream ends. Malformed lines are
// reported through OnError and skipped; the stream stays open.
func readMessages(r io.Reader, handler Handler, name string) {
	// bufio.Reader instead of bufio.Scanner so long lines don't hit the
	// scanner's max token size.
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if len(strings.TrimSpace(line)) > 0 {
				deliverLine(line, handler, name)
			}
			if !errors.Is(err, io.EOF) {
				logger.Debugf("transport %s: read ended: %v", name, err)
			}
			return
		}
		deliverLine(line, handler, name)
	}
}

func deliverLine(line string, handler Handler, name string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		handler.OnError(errors.Join(errors.New("failed to parse JSON-RPC message"), err))
		return
	}
	if err := msg.Validate(); err != nil {
		handler.OnError(err)
		return
	}
	logger.Debugw("transport message received", "transport", name, "method", msg.Method, "id", msg.ID)
	handler.OnMessage(&msg)
}

// encodeMessage serializes a message with the trailing newline used for
// pipe framing.
func encodeMessage(msg *protocol.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
