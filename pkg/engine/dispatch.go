// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcphub/pkg/aggregate"
	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
)

// maxConcurrentFanOut bounds the enumeration fan-out.
const maxConcurrentFanOut = 10

// handleList fans an enumeration out to every running backend and merges
// the results in arrival order. Backends that fail or do not answer the
// method are left out of the merge; the client's cursor is forwarded to
// each backend and echoed back unchanged.
func (e *Engine) handleList(ctx context.Context, msg *protocol.Message) *protocol.Message {
	running := e.backends.Running()

	var cursor string
	if len(msg.Params) > 0 {
		var params protocol.ListParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "malformed list params", nil)
		}
		cursor = params.Cursor
	}

	// Non-nil so empty catalogs serialize as [] rather than null.
	var (
		mu        sync.Mutex
		tools     = []protocol.Tool{}
		resources = []protocol.Resource{}
		prompts   = []protocol.Prompt{}
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentFanOut)
	for _, name := range running {
		group.Go(func() error {
			resp, err := e.backends.Call(groupCtx, name, msg.Method, rawParams(msg.Params))
			if err != nil {
				logger.Debugf("Backend %s excluded from %s merge: %v", name, msg.Method, err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			switch msg.Method {
			case protocol.MethodToolsList:
				var page protocol.ListToolsResult
				if err := json.Unmarshal(resp.Result, &page); err == nil {
					tools = append(tools, page.Tools...)
				}
			case protocol.MethodResourcesList:
				var page protocol.ListResourcesResult
				if err := json.Unmarshal(resp.Result, &page); err == nil {
					resources = append(resources, page.Resources...)
				}
			case protocol.MethodPromptsList:
				var page protocol.ListPromptsResult
				if err := json.Unmarshal(resp.Result, &page); err == nil {
					prompts = append(prompts, page.Prompts...)
				}
			}
			return nil
		})
	}
	_ = group.Wait()

	var result any
	switch msg.Method {
	case protocol.MethodToolsList:
		result = protocol.ListToolsResult{Tools: append(tools, echoToolDefinition()), NextCursor: cursor}
	case protocol.MethodResourcesList:
		result = protocol.ListResourcesResult{Resources: resources, NextCursor: cursor}
	case protocol.MethodPromptsList:
		result = protocol.ListPromptsResult{Prompts: prompts, NextCursor: cursor}
	}

	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, err.Error(), nil)
	}
	return resp
}

// handleToolCall routes a tools/call to the backend owning the tool. The
// built-in echo tool is answered locally. Tools missing from the
// registry get one live scan across the running backends before the
// not-found verdict.
func (e *Engine) handleToolCall(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var params protocol.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "malformed tools/call params", nil)
	}

	if params.Name == echoToolName {
		return e.handleEchoCall(msg, params)
	}

	owner, err := e.resolveOwner(ctx, aggregate.KindTool, params.Name)
	if err != nil {
		return errorResponse(msg.ID, err)
	}

	resp, err := e.backends.Call(ctx, owner, protocol.MethodToolsCall, rawParams(msg.Params))
	if err != nil {
		return errorResponse(msg.ID, err)
	}
	return protocol.NewRawResponse(msg.ID, resp.Result)
}

// handleResourceRead routes a resources/read to the owner of the URI.
// The read is gated on detected support: a backend that never proved it
// answers resources/read is not sent one.
func (e *Engine) handleResourceRead(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var params protocol.ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "malformed resources/read params", nil)
	}

	if len(e.backends.Running()) == 0 {
		return errorResponse(msg.ID, errors.NewServerUnavailableError("no running backends"))
	}

	owner, ok := e.registry.OwnerOf(aggregate.KindResource, params.URI)
	if !ok {
		return errorResponse(msg.ID, errors.NewResourceNotFoundError(params.URI))
	}
	if !e.prober.Supports(owner, protocol.MethodResourcesRead) {
		return errorResponse(msg.ID, errors.NewResourceNotFoundError(params.URI))
	}

	resp, err := e.backends.Call(ctx, owner, protocol.MethodResourcesRead, rawParams(msg.Params))
	if err != nil {
		return errorResponse(msg.ID, err)
	}
	return protocol.NewRawResponse(msg.ID, resp.Result)
}

// handlePromptGet routes a prompts/get to the owner of the prompt name,
// with the same live-scan fallback as tool calls.
func (e *Engine) handlePromptGet(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var params protocol.GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "malformed prompts/get params", nil)
	}

	owner, err := e.resolveOwner(ctx, aggregate.KindPrompt, params.Name)
	if err != nil {
		return errorResponse(msg.ID, err)
	}

	resp, err := e.backends.Call(ctx, owner, protocol.MethodPromptsGet, rawParams(msg.Params))
	if err != nil {
		return errorResponse(msg.ID, err)
	}
	return protocol.NewRawResponse(msg.ID, resp.Result)
}

// handlePassthrough forwards an unrecognized method to one running
// backend, chosen arbitrarily.
func (e *Engine) handlePassthrough(ctx context.Context, msg *protocol.Message) *protocol.Message {
	running := e.backends.Running()
	if len(running) == 0 {
		return errorResponse(msg.ID, errors.NewServerUnavailableError("no running backends"))
	}

	resp, err := e.backends.Call(ctx, running[0], msg.Method, rawParams(msg.Params))
	if err != nil {
		return errorResponse(msg.ID, err)
	}
	return protocol.NewRawResponse(msg.ID, resp.Result)
}

// resolveOwner finds the backend owning a tool or prompt key. A registry
// miss triggers one live scan of the running backends so entries added
// since the last discovery are still reachable.
func (e *Engine) resolveOwner(ctx context.Context, kind aggregate.Kind, key string) (string, error) {
	running := e.backends.Running()
	if len(running) == 0 {
		return "", errors.NewServerUnavailableError("no running backends")
	}

	if owner, ok := e.registry.OwnerOf(kind, key); ok {
		return owner, nil
	}

	if owner, ok := e.liveScan(ctx, kind, key, running); ok {
		return owner, nil
	}

	switch kind {
	case aggregate.KindTool:
		return "", errors.NewToolNotFoundError(key)
	case aggregate.KindPrompt:
		return "", errors.NewPromptNotFoundError(key)
	default:
		return "", errors.NewResourceNotFoundError(key)
	}
}

// liveScan asks every running backend for its current catalog and
// returns the first one listing the key.
func (e *Engine) liveScan(ctx context.Context, kind aggregate.Kind, key string, running []string) (string, bool) {
	method := protocol.MethodToolsList
	if kind == aggregate.KindPrompt {
		method = protocol.MethodPromptsList
	}

	for _, name := range running {
		resp, err := e.backends.Call(ctx, name, method, nil)
		if err != nil {
			continue
		}
		if kind == aggregate.KindTool {
			var page protocol.ListToolsResult
			if json.Unmarshal(resp.Result, &page) != nil {
				continue
			}
			for _, tool := range page.Tools {
				if tool.Name == key {
					return name, true
				}
			}
		} else {
			var page protocol.ListPromptsResult
			if json.Unmarshal(resp.Result, &page) != nil {
				continue
			}
			for _, prompt := range page.Prompts {
				if prompt.Name == key {
					return name, true
				}
			}
		}
	}
	return "", false
}

// rawParams lets already-encoded params pass through NewRequest without
// a decode/re-encode round trip.
func rawParams(params json.RawMessage) any {
	if len(params) == 0 {
		return nil
	}
	return params
}
