// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcphub/pkg/protocol"
	"github.com/stacklok/mcphub/pkg/server"
)

// staticHandler answers every request with a canned result and swallows
// notifications.
type staticHandler struct {
	result any
}

func (h *staticHandler) HandleMessage(_ context.Context, msg *protocol.Message) *protocol.Message {
	if msg.IsNotification() {
		return nil
	}
	resp, err := protocol.NewResponse(msg.ID, h.result)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, err.Error(), nil)
	}
	return resp
}

// sseClient connects to the SSE endpoint and exposes decoded messages.
type sseClient struct {
	endpoint string
	msgs     chan *protocol.Message
	cancel   context.CancelFunc
}

func connectSSE(t *testing.T, baseURL string) *sseClient {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	client := &sseClient{msgs: make(chan *protocol.Message, 16), cancel: cancel}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})

	endpointCh := make(chan string, 1)
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		event, data := "", ""
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				switch event {
				case "endpoint":
					endpointCh <- data
				case "message":
					var msg protocol.Message
					if json.Unmarshal([]byte(data), &msg) == nil {
						client.msgs <- &msg
					}
				}
				event, data = "", ""
			}
		}
	}()

	select {
	case client.endpoint = <-endpointCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for endpoint event")
	}
	return client
}

func (c *sseClient) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg := <-c.msgs:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE message")
		return nil
	}
}

func newTestServer(t *testing.T, result any) (*server.Server, *httptest.Server) {
	t.Helper()
	srv := server.New("127.0.0.1", 0, &staticHandler{result: result})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postMessage(t *testing.T, url string, msg *protocol.Message) *http.Response {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, protocol.ListToolsResult{Tools: []protocol.Tool{{Name: "echo"}}})
	client := connectSSE(t, ts.URL)
	require.Contains(t, client.endpoint, "session_id=")

	req, err := protocol.NewRequest(int64(1), protocol.MethodToolsList, nil)
	require.NoError(t, err)
	resp := postMessage(t, ts.URL+client.endpoint, req)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg := client.next(t)
	require.True(t, msg.IsResponse())
	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
}

func TestUnknownSessionRejected(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)
	req, err := protocol.NewRequest(int64(1), protocol.MethodToolsList, nil)
	require.NoError(t, err)

	resp := postMessage(t, ts.URL+"/messages?session_id=nope", req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postMessage(t, ts.URL+"/messages", req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestParseErrorOverStream(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)
	client := connectSSE(t, ts.URL)

	resp, err := http.Post(ts.URL+client.endpoint, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg := client.next(t)
	require.NotNil(t, msg.Error)
	assert.Equal(t, protocol.CodeParseError, msg.Error.Code)
}

func TestNotificationAcknowledgedWithoutResponse(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)
	client := connectSSE(t, ts.URL)

	note, err := protocol.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	resp := postMessage(t, ts.URL+client.endpoint, note)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case msg := <-client.msgs:
		t.Fatalf("unexpected message for a notification: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, nil)
	first := connectSSE(t, ts.URL)
	second := connectSSE(t, ts.URL)

	note, err := protocol.NewNotification("notifications/tools/list_changed", nil)
	require.NoError(t, err)
	srv.Broadcast(note)

	assert.Equal(t, "notifications/tools/list_changed", first.next(t).Method)
	assert.Equal(t, "notifications/tools/list_changed", second.next(t).Method)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
