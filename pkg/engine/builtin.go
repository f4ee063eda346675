// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/stacklok/mcphub/pkg/protocol"
)

// echoToolName is the one tool the proxy provides itself. It is always
// published, so the aggregated server is usable even with zero backends.
const echoToolName = "echo"

func echoToolDefinition() protocol.Tool {
	return protocol.Tool{
		Name:        echoToolName,
		Description: "Echoes the message back to the caller.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "Text to echo back.",
				},
			},
			"required": []any{"message"},
		},
	}
}

func (*Engine) handleEchoCall(msg *protocol.Message, params protocol.CallToolParams) *protocol.Message {
	text := ""
	if raw, ok := params.Arguments["message"]; ok {
		if s, ok := raw.(string); ok {
			text = s
		} else {
			text = fmt.Sprintf("%v", raw)
		}
	}

	result := protocol.CallToolResult{
		Content: []protocol.Content{{Type: "text", Text: text}},
	}
	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, err.Error(), nil)
	}
	return resp
}
