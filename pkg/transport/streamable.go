// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
	transporterrors "github.com/stacklok/mcphub/pkg/transport/errors"
)

const (
	sessionIDHeader = "Mcp-Session-Id"

	// maxResponseSize bounds a single backend HTTP response so a
	// misbehaving backend cannot exhaust memory.
	maxResponseSize = 100 * 1024 * 1024 // 100 MB

	streamMaxRetries = 5
)

// StreamableHTTPTransport talks to a backend over the streamable HTTP
// protocol: every outbound message is POSTed to the endpoint and the
// response carries either a single JSON message or an SSE stream of them.
// A standing GET stream, when the backend offers one, delivers
// server-initiated notifications; it reconnects with exponential backoff.
type StreamableHTTPTransport struct {
	url     string
	name    string
	handler Handler
	client  *http.Client

	mu        sync.Mutex
	sessionID string
	started   bool
	closed    bool

	cancelListen context.CancelFunc
	closeOnce    sync.Once
}

// NewStreamableHTTPTransport creates a new streamable HTTP transport.
func NewStreamableHTTPTransport(config Config) *StreamableHTTPTransport {
	return &StreamableHTTPTransport{
		url:     config.URL,
		name:    config.Name,
		handler: config.Handler,
		client:  &http.Client{},
	}
}

// Start validates the endpoint and opens the standing notification stream.
func (t *StreamableHTTPTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return transporterrors.ErrAlreadyStarted
	}
	if t.url == "" {
		return fmt.Errorf("streamable HTTP transport requires a URL")
	}
	t.started = true

	listenCtx, cancel := context.WithCancel(context.Background())
	t.cancelListen = cancel
	go t.listen(listenCtx)

	logger.Infof("Started streamable HTTP backend %s at %s", t.name, t.url)
	return nil
}

// Send POSTs one message to the backend and delivers whatever the
// response carries.
func (t *StreamableHTTPTransport) Send(msg *protocol.Message) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return transporterrors.ErrNotStarted
	}
	if t.closed {
		t.mu.Unlock()
		return transporterrors.ErrClosed
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	body, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON-RPC message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", t.url, err)
	}

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode >= http.StatusBadRequest {
		_ = resp.Body.Close()
		return fmt.Errorf("backend %s returned HTTP %d", t.name, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		// The stream may outlive this call; consume it off the Send path.
		go func() {
			defer resp.Body.Close()
			t.readEventStream(resp.Body)
		}()
	case strings.HasPrefix(contentType, "application/json"):
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		deliverLine(string(data), t.handler, t.name)
	default:
		// 202 Accepted with no body is the normal case for notifications.
		_ = resp.Body.Close()
	}
	return nil
}

// Close shuts down the standing stream and marks the transport closed.
func (t *StreamableHTTPTransport) Close() error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancelListen
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.closeOnce.Do(t.handler.OnClose)
	return nil
}

// listen maintains the standing GET stream for server-initiated messages.
// Backends that don't offer one reject the GET, which ends the loop
// without closing the transport: POST round trips still work.
func (t *StreamableHTTPTransport) listen(ctx context.Context) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (any, error) {
		err := t.listenOnce(ctx)
		if err == nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(streamMaxRetries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("Notification stream for %s failed, retrying in %s: %v", t.name, duration, err)
		}),
	)
	if err != nil && ctx.Err() == nil {
		logger.Debugf("Backend %s offers no notification stream: %v", t.name, err)
	}
}

func (t *StreamableHTTPTransport) listenOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionIDHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound {
		// The backend doesn't support a standing stream; stop trying.
		return backoff.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notification stream returned HTTP %d", resp.StatusCode)
	}

	t.readEventStream(resp.Body)
	return nil
}

// readEventStream parses SSE frames and delivers each data payload as a
// JSON-RPC message.
func (t *StreamableHTTPTransport) readEventStream(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseSize)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if data.Len() > 0 {
				deliverLine(data.String(), t.handler, t.name)
				data.Reset()
			}
		}
	}
	if data.Len() > 0 {
		deliverLine(data.String(), t.handler, t.name)
	}
}
