// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package engine routes client JSON-RPC traffic across the aggregated
// backends: it answers the bootstrap handshake locally, fans list
// requests out to every running backend and dispatches targeted
// requests to the backend that owns the addressed entry.
package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/stacklok/mcphub/pkg/aggregate"
	"github.com/stacklok/mcphub/pkg/backend"
	"github.com/stacklok/mcphub/pkg/capability"
	"github.com/stacklok/mcphub/pkg/discovery"
	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
)

// Backends is the slice of the backend manager the engine dispatches
// through.
type Backends interface {
	Call(ctx context.Context, name, method string, params any) (*protocol.Message, error)
	Running() []string
}

// Notifier pushes server-originated notifications to connected clients.
type Notifier interface {
	Broadcast(msg *protocol.Message)
}

// Engine is the dispatch and aggregation core.
type Engine struct {
	backends Backends
	prober   *capability.Prober
	registry *aggregate.Registry
	disc     *discovery.Discoverer
	notifier Notifier

	serverInfo protocol.Implementation
}

// New creates an engine.
func New(
	backends Backends,
	prober *capability.Prober,
	registry *aggregate.Registry,
	disc *discovery.Discoverer,
) *Engine {
	return &Engine{
		backends:   backends,
		prober:     prober,
		registry:   registry,
		disc:       disc,
		serverInfo: protocol.Implementation{Name: "mcphub"},
	}
}

// SetNotifier wires the client-facing notification sink. Without one,
// catalog-change notifications are dropped.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// HandleMessage processes one inbound client message and returns the
// response, or nil for notifications.
func (e *Engine) HandleMessage(ctx context.Context, msg *protocol.Message) *protocol.Message {
	if err := msg.Validate(); err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidRequest, err.Error(), nil)
	}

	if msg.IsNotification() {
		// Client notifications such as notifications/initialized need no
		// answer and no forwarding.
		logger.Debugf("Ignoring client notification %s", msg.Method)
		return nil
	}

	switch msg.Method {
	case protocol.MethodInitialize:
		return e.handleInitialize(msg)
	case protocol.MethodCapabilities:
		return e.handleCapabilities(msg)
	case protocol.MethodToolsList, protocol.MethodResourcesList, protocol.MethodPromptsList:
		return e.handleList(ctx, msg)
	case protocol.MethodToolsCall:
		return e.handleToolCall(ctx, msg)
	case protocol.MethodResourcesRead:
		return e.handleResourceRead(ctx, msg)
	case protocol.MethodPromptsGet:
		return e.handlePromptGet(ctx, msg)
	default:
		return e.handlePassthrough(ctx, msg)
	}
}

// handleInitialize answers the handshake locally with the aggregated
// capability families. The client's requested protocol version is echoed
// back so version negotiation stays between client and proxy.
func (e *Engine) handleInitialize(msg *protocol.Message) *protocol.Message {
	var params protocol.InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "malformed initialize params", nil)
		}
	}

	version := params.ProtocolVersion
	if version == "" {
		version = protocol.ProtocolVersion
	}

	result := protocol.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      e.serverInfo,
		Capabilities:    e.aggregatedCapabilities(),
	}
	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, err.Error(), nil)
	}
	return resp
}

func (e *Engine) handleCapabilities(msg *protocol.Message) *protocol.Message {
	methods := []string{
		protocol.MethodInitialize,
		protocol.MethodCapabilities,
		protocol.MethodToolsList,
		protocol.MethodToolsCall,
	}
	seen := make(map[string]bool, len(methods))
	for _, m := range methods {
		seen[m] = true
	}
	for _, m := range e.prober.Methods() {
		if !seen[m] {
			methods = append(methods, m)
			seen[m] = true
		}
	}

	result := protocol.CapabilitiesResult{
		Capabilities: e.aggregatedCapabilities(),
		Methods:      methods,
	}
	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, err.Error(), nil)
	}
	return resp
}

// aggregatedCapabilities is the union of the backends' families. Tools
// are always present because of the built-in echo tool.
func (e *Engine) aggregatedCapabilities() protocol.ServerCapabilities {
	caps := e.prober.Capabilities()
	if caps.Tools == nil {
		caps.Tools = &protocol.ToolsCapability{ListChanged: true}
	}
	return caps
}

// OnBackendEvent keeps the capability cache and registry in step with
// backend lifecycle: new backends are probed and discovered, lost ones
// forgotten, catalog changes re-discovered and announced to clients.
func (e *Engine) OnBackendEvent(event backend.Event) {
	ctx := context.Background()

	switch event.Type {
	case backend.EventStarted:
		if err := e.prober.Detect(ctx, event.Backend); err != nil {
			logger.Warnf("Capability detection for backend %s failed: %v", event.Backend, err)
			return
		}
		if _, err := e.disc.Discover(ctx, event.Backend); err != nil {
			logger.Warnf("Discovery for backend %s failed: %v", event.Backend, err)
		}

	case backend.EventStopped:
		removed := e.disc.Forget(event.Backend)
		e.prober.Clear(event.Backend)
		logger.Infof("Removed %d catalog entries from stopped backend %s", removed, event.Backend)

	case backend.EventListChanged:
		if _, err := e.disc.Discover(ctx, event.Backend); err != nil {
			logger.Warnf("Re-discovery for backend %s failed: %v", event.Backend, err)
			return
		}
		if e.notifier != nil {
			note, err := protocol.NewNotification(event.Method, nil)
			if err == nil {
				e.notifier.Broadcast(note)
			}
		}

	case backend.EventError:
		logger.Debugf("Backend %s reported an error: %v", event.Backend, event.Err)
	}
}

// errorResponse converts a dispatch error into a JSON-RPC error
// response, preserving backend-reported codes and messages.
func errorResponse(id any, err error) *protocol.Message {
	var rpcErr *protocol.Error
	if stderrors.As(err, &rpcErr) {
		return protocol.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return protocol.NewErrorResponse(id, errors.CodeFor(err), errorMessage(err), nil)
}

func errorMessage(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return fmt.Sprintf("%v", err)
}
