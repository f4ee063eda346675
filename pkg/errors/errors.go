// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed domain errors used across mcphub and
// their mapping onto JSON-RPC error codes.
package errors

import (
	"errors"
	"fmt"

	"github.com/stacklok/mcphub/pkg/protocol"
)

// Error types.
const (
	// TypeResourceNotFound is returned when no backend owns a resource URI.
	TypeResourceNotFound = "resource_not_found"

	// TypeToolNotFound is returned when no backend owns a tool name.
	TypeToolNotFound = "tool_not_found"

	// TypePromptNotFound is returned when no backend owns a prompt name.
	TypePromptNotFound = "prompt_not_found"

	// TypeServerUnavailable is returned when no usable backend is running.
	TypeServerUnavailable = "server_unavailable"

	// TypeTransport is returned when there is an error with a transport.
	TypeTransport = "transport"

	// TypeTimeout is returned when a pending request times out.
	TypeTimeout = "timeout"

	// TypeConnectionClosed is returned when a connection closes with
	// requests still in flight.
	TypeConnectionClosed = "connection_closed"

	// TypeConfiguration is returned when configuration is invalid.
	TypeConfiguration = "configuration"

	// TypeAuthorization is returned when a caller is not authorized.
	TypeAuthorization = "authorization"

	// TypeBackend is returned when a backend itself reports an error.
	TypeBackend = "backend"
)

// Error represents an error in the application.
type Error struct {
	// Type is the error type.
	Type string

	// Message is the error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Code returns the JSON-RPC error code for this error.
func (e *Error) Code() int {
	switch e.Type {
	case TypeResourceNotFound:
		return protocol.CodeResourceNotFound
	case TypeToolNotFound:
		return protocol.CodeToolNotFound
	case TypePromptNotFound:
		return protocol.CodePromptNotFound
	case TypeServerUnavailable:
		return protocol.CodeServerUnavailable
	case TypeTransport, TypeTimeout, TypeConnectionClosed:
		return protocol.CodeTransportError
	case TypeConfiguration:
		return protocol.CodeConfigurationError
	case TypeAuthorization:
		return protocol.CodeAuthorizationError
	case TypeBackend:
		var rpcErr *protocol.Error
		if errors.As(e.Cause, &rpcErr) {
			return rpcErr.Code
		}
		return protocol.CodeInternalError
	default:
		return protocol.CodeInternalError
	}
}

// NewError creates a new error.
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewResourceNotFoundError creates a new resource not found error.
func NewResourceNotFoundError(uri string) *Error {
	return NewError(TypeResourceNotFound, fmt.Sprintf("resource not found: %s", uri), nil)
}

// NewToolNotFoundError creates a new tool not found error.
func NewToolNotFoundError(name string) *Error {
	return NewError(TypeToolNotFound, fmt.Sprintf("tool not found: %s", name), nil)
}

// NewPromptNotFoundError creates a new prompt not found error.
func NewPromptNotFoundError(name string) *Error {
	return NewError(TypePromptNotFound, fmt.Sprintf("prompt not found: %s", name), nil)
}

// NewServerUnavailableError creates a new server unavailable error.
func NewServerUnavailableError(message string) *Error {
	return NewError(TypeServerUnavailable, message, nil)
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, cause error) *Error {
	return NewError(TypeTransport, message, cause)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string) *Error {
	return NewError(TypeTimeout, message, nil)
}

// NewConnectionClosedError creates a new connection closed error.
func NewConnectionClosedError(backend string) *Error {
	return NewError(TypeConnectionClosed, fmt.Sprintf("connection to backend %s closed", backend), nil)
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, cause error) *Error {
	return NewError(TypeConfiguration, message, cause)
}

// NewAuthorizationError creates a new authorization error.
func NewAuthorizationError(message string) *Error {
	return NewError(TypeAuthorization, message, nil)
}

// NewBackendError wraps an error reported by a backend so that its
// original JSON-RPC code survives the round trip through the proxy.
func NewBackendError(backend string, rpcErr *protocol.Error) *Error {
	return NewError(TypeBackend, fmt.Sprintf("backend %s reported an error", backend), rpcErr)
}

// IsType checks whether err is an *Error of the given type.
func IsType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return IsType(err, TypeTimeout)
}

// IsConnectionClosed checks if the error is a connection closed error.
func IsConnectionClosed(err error) bool {
	return IsType(err, TypeConnectionClosed)
}

// IsNotFound checks if the error is any of the not-found errors.
func IsNotFound(err error) bool {
	return IsType(err, TypeResourceNotFound) ||
		IsType(err, TypeToolNotFound) ||
		IsType(err, TypePromptNotFound)
}

// CodeFor returns the JSON-RPC error code to report for an arbitrary
// error. Unknown errors map to the internal error code.
func CodeFor(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return protocol.CodeInternalError
}
