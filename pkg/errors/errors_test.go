// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/protocol"
)

func TestErrorCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *errors.Error
		code int
	}{
		{"resource not found", errors.NewResourceNotFoundError("file:///a"), protocol.CodeResourceNotFound},
		{"tool not found", errors.NewToolNotFoundError("frob"), protocol.CodeToolNotFound},
		{"prompt not found", errors.NewPromptNotFoundError("greet"), protocol.CodePromptNotFound},
		{"server unavailable", errors.NewServerUnavailableError("no backends running"), protocol.CodeServerUnavailable},
		{"timeout", errors.NewTimeoutError("request timed out after 5s"), protocol.CodeTransportError},
		{"connection closed", errors.NewConnectionClosedError("github"), protocol.CodeTransportError},
		{"configuration", errors.NewConfigurationError("duplicate backend name", nil), protocol.CodeConfigurationError},
		{"authorization", errors.NewAuthorizationError("denied"), protocol.CodeAuthorizationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.code, tt.err.Code())
			assert.Equal(t, tt.code, errors.CodeFor(tt.err))
		})
	}
}

func TestBackendErrorPreservesCode(t *testing.T) {
	t.Parallel()

	rpcErr := &protocol.Error{Code: -32602, Message: "invalid params"}
	err := errors.NewBackendError("github", rpcErr)

	assert.Equal(t, -32602, err.Code())
	assert.ErrorIs(t, err, rpcErr)
	assert.Contains(t, err.Error(), "backend github")
}

func TestCodeForUnknownError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, protocol.CodeInternalError, errors.CodeFor(fmt.Errorf("boom")))
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("send failed: %w", errors.NewTimeoutError("deadline"))
	assert.True(t, errors.IsTimeout(wrapped))
	assert.False(t, errors.IsConnectionClosed(wrapped))
	assert.True(t, errors.IsNotFound(errors.NewToolNotFoundError("x")))
	assert.False(t, errors.IsNotFound(errors.NewTimeoutError("x")))
}
