// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcphub/pkg/protocol"
	"github.com/stacklok/mcphub/pkg/transport"
	transporterrors "github.com/stacklok/mcphub/pkg/transport/errors"
)

// captureHandler records transport events for assertions.
type captureHandler struct {
	msgs   chan *protocol.Message
	errs   chan error
	closed chan struct{}
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		msgs:   make(chan *protocol.Message, 16),
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}
}

func (h *captureHandler) OnMessage(msg *protocol.Message) { h.msgs <- msg }
func (h *captureHandler) OnError(err error)               { h.errs <- err }
func (h *captureHandler) OnClose()                        { close(h.closed) }

func TestParseType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected transport.Type
		wantErr  bool
	}{
		{"stdio", transport.TypeStdio, false},
		{"STDIO", transport.TypeStdio, false},
		{"docker", transport.TypeDocker, false},
		{"container", transport.TypeDocker, false},
		{"streamable-http", transport.TypeStreamableHTTP, false},
		{"http", transport.TypeStreamableHTTP, false},
		{"carrier-pigeon", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run("input_"+tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := transport.ParseType(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, transporterrors.ErrUnsupportedTransport)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFactoryCreate(t *testing.T) {
	t.Parallel()

	factory := transport.NewFactory()

	_, err := factory.Create(transport.Config{Type: transport.TypeStdio})
	assert.Error(t, err, "missing handler must be rejected")

	_, err = factory.Create(transport.Config{Type: "smoke-signals", Handler: newCaptureHandler()})
	assert.ErrorIs(t, err, transporterrors.ErrUnsupportedTransport)

	tr, err := factory.Create(transport.Config{
		Type:    transport.TypeStdio,
		Command: "cat",
		Handler: newCaptureHandler(),
	})
	require.NoError(t, err)
	assert.IsType(t, &transport.StdioTransport{}, tr)
}
