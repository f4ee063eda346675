// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backend manages connections to the aggregated MCP servers: it
// starts and stops their transports, correlates requests with responses
// and surfaces lifecycle events to interested observers.
package backend

// EventType classifies a backend lifecycle event.
type EventType string

// Backend lifecycle event types.
const (
	// EventStarted fires after a backend connection comes up.
	EventStarted EventType = "started"

	// EventStopped fires after a backend connection goes away, whether
	// stopped deliberately or lost.
	EventStopped EventType = "stopped"

	// EventError fires when a backend reports a non-fatal error, such as
	// an unparseable message on its stream.
	EventError EventType = "error"

	// EventListChanged fires when a backend announces that one of its
	// catalogs changed.
	EventListChanged EventType = "list_changed"
)

// Event describes a backend lifecycle event.
type Event struct {
	// Type is the event type.
	Type EventType

	// Backend is the name of the backend the event concerns.
	Backend string

	// Method carries the notification method for list-changed events.
	Method string

	// Err carries the error for error events.
	Err error
}

// Observer receives backend lifecycle events. Implementations must not
// block: events are delivered synchronously from connection goroutines.
type Observer interface {
	OnBackendEvent(event Event)
}
