// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides sentinel errors for the transport package.
package errors

import "errors"

var (
	// ErrUnsupportedTransport is returned when an unsupported transport kind is requested.
	ErrUnsupportedTransport = errors.New("unsupported transport type")

	// ErrNotStarted is returned when an operation requires a started transport.
	ErrNotStarted = errors.New("transport not started")

	// ErrAlreadyStarted is returned when Start is called on a running transport.
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrClosed is returned when a message is sent on a closed transport.
	ErrClosed = errors.New("transport closed")
)
