// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON-RPC 2.0 envelope and the MCP wire types
// exchanged with backends and clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version used on every envelope.
const Version = "2.0"

// Message represents a JSON-RPC 2.0 message. A single shape covers
// requests, responses and notifications; use IsRequest/IsResponse/
// IsNotification to classify an inbound message.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so backend errors can be
// propagated through regular Go error returns.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes (reserved range -32700..-32603).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Domain error codes. These live below -32100 to stay clear of the
// reserved JSON-RPC range.
const (
	CodeResourceNotFound   = -32101
	CodeToolNotFound       = -32102
	CodePromptNotFound     = -32103
	CodeServerUnavailable  = -32104
	CodeTransportError     = -32105
	CodeConfigurationError = -32106
	CodeAuthorizationError = -32107
)

// NewRequest creates a new JSON-RPC request message.
func NewRequest(id any, method string, params any) (*Message, error) {
	paramsJSON, err := marshalField(params, "params")
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// NewResponse creates a new JSON-RPC response message.
func NewResponse(id any, result any) (*Message, error) {
	resultJSON, err := marshalField(result, "result")
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Result:  resultJSON,
	}, nil
}

// NewRawResponse creates a response whose result is already encoded,
// typically when forwarding a backend result verbatim.
func NewRawResponse(id any, result json.RawMessage) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates a new JSON-RPC error response message.
func NewErrorResponse(id any, code int, message string, data any) *Message {
	dataJSON, err := marshalField(data, "data")
	if err != nil {
		// The error data is advisory; drop it rather than fail the response.
		dataJSON = nil
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}
}

// NewNotification creates a new JSON-RPC notification message.
func NewNotification(method string, params any) (*Message, error) {
	paramsJSON, err := marshalField(params, "params")
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

func marshalField(v any, field string) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", field, err)
	}
	return out, nil
}

// IsRequest returns true if the message is a request.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response.
func (m *Message) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil) && m.Method == ""
}

// IsNotification returns true if the message is a notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Validate validates the JSON-RPC message.
func (m *Message) Validate() error {
	if m.JSONRPC != Version {
		return fmt.Errorf("invalid JSON-RPC version: %q", m.JSONRPC)
	}
	if !m.IsRequest() && !m.IsResponse() && !m.IsNotification() {
		return fmt.Errorf("invalid JSON-RPC message format")
	}
	return nil
}

// IDKey returns a canonical string form of a JSON-RPC id, suitable for
// map keys. JSON numbers arrive as float64 after a round trip, so an
// int64 id and its decoded float64 form must produce the same key.
func IDKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("n:%d", int64(v))
		}
		return fmt.Sprintf("n:%g", v)
	case int:
		return fmt.Sprintf("n:%d", v)
	case int64:
		return fmt.Sprintf("n:%d", v)
	case json.Number:
		return "n:" + v.String()
	default:
		return fmt.Sprintf("v:%v", v)
	}
}
