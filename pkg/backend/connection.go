// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
	"github.com/stacklok/mcphub/pkg/transport"
)

// DefaultRequestTimeout bounds a backend round trip when the caller does
// not supply its own deadline.
const DefaultRequestTimeout = 5 * time.Second

type waitResult struct {
	msg *protocol.Message
	err error
}

// connectionEvents are the callbacks a Connection fires into its owner.
// All of them may be called from the transport's read goroutine.
type connectionEvents struct {
	onNotification func(backend string, msg *protocol.Message)
	onError        func(backend string, err error)
	onClose        func(backend string)
}

// Connection is one live backend connection. It owns the transport, hands
// out request IDs and correlates each response with its waiting caller.
type Connection struct {
	name      string
	transport transport.Transport
	events    connectionEvents

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan waitResult
	closed  bool
}

// TransportFactory creates transports from configs. *transport.Factory
// satisfies it; tests substitute fakes.
type TransportFactory interface {
	Create(cfg transport.Config) (transport.Transport, error)
}

// NewConnection builds a connection for one backend entry. The transport
// is created but not started.
func NewConnection(cfg config.BackendConfig, factory TransportFactory, events connectionEvents) (*Connection, error) {
	c := &Connection{
		name:    cfg.Name,
		events:  events,
		pending: make(map[string]chan waitResult),
	}

	tr, err := factory.Create(transport.Config{
		Type:    cfg.TransportType(),
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Image:   cfg.Image,
		URL:     cfg.URL,
		Name:    cfg.Name,
		Handler: c,
	})
	if err != nil {
		return nil, errors.NewTransportError(fmt.Sprintf("failed to create transport for backend %s", cfg.Name), err)
	}
	c.transport = tr
	return c, nil
}

// Name returns the backend name.
func (c *Connection) Name() string {
	return c.name
}

// Start brings the transport up.
func (c *Connection) Start(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return errors.NewTransportError(fmt.Sprintf("failed to start backend %s", c.name), err)
	}
	return nil
}

// Close tears the transport down. In-flight requests are rejected through
// the transport's close notification.
func (c *Connection) Close() error {
	return c.transport.Close()
}

// Call sends a request to the backend and waits for the matching
// response. The wait ends when the response arrives, the timeout
// elapses, the context is canceled or the connection closes.
func (c *Connection) Call(ctx context.Context, method string, params any, timeout time.Duration) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, errors.NewTransportError("failed to build request", err)
	}

	key := protocol.IDKey(id)
	ch := make(chan waitResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.NewConnectionClosedError(c.name)
	}
	c.pending[key] = ch
	c.mu.Unlock()

	if err := c.transport.Send(req); err != nil {
		c.removePending(key)
		return nil, errors.NewTransportError(fmt.Sprintf("failed to send %s to backend %s", method, c.name), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, errors.NewBackendError(c.name, res.msg.Error)
		}
		return res.msg, nil
	case <-timer.C:
		c.removePending(key)
		return nil, errors.NewTimeoutError(fmt.Sprintf("request %s to backend %s timed out after %s", method, c.name, timeout))
	case <-ctx.Done():
		c.removePending(key)
		return nil, errors.NewTransportError(fmt.Sprintf("request %s to backend %s canceled", method, c.name), ctx.Err())
	}
}

// Notify sends a notification to the backend. No response is expected.
func (c *Connection) Notify(method string, params any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.NewConnectionClosedError(c.name)
	}

	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return errors.NewTransportError("failed to build notification", err)
	}
	if err := c.transport.Send(msg); err != nil {
		return errors.NewTransportError(fmt.Sprintf("failed to send %s to backend %s", method, c.name), err)
	}
	return nil
}

func (c *Connection) removePending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// OnMessage routes inbound messages: responses settle their waiter
// exactly once, notifications go to the owner, anything else is dropped.
func (c *Connection) OnMessage(msg *protocol.Message) {
	if msg.IsResponse() {
		key := protocol.IDKey(msg.ID)

		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()

		if !ok {
			// The waiter already timed out or was canceled.
			logger.Debugf("Discarding late response %s from backend %s", key, c.name)
			return
		}
		ch <- waitResult{msg: msg}
		return
	}

	if msg.IsNotification() {
		if c.events.onNotification != nil {
			c.events.onNotification(c.name, msg)
		}
		return
	}

	// Backend-initiated requests are not part of the aggregation surface.
	logger.Debugf("Ignoring request %s from backend %s", msg.Method, c.name)
}

// OnError surfaces a non-fatal transport error.
func (c *Connection) OnError(err error) {
	logger.Warnf("Backend %s transport error: %v", c.name, err)
	if c.events.onError != nil {
		c.events.onError(c.name, err)
	}
}

// OnClose rejects every in-flight request and notifies the owner.
func (c *Connection) OnClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan waitResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- waitResult{err: errors.NewConnectionClosedError(c.name)}
	}

	if c.events.onClose != nil {
		c.events.onClose(c.name)
	}
}

// isListChanged reports whether a notification method announces a catalog
// change, such as notifications/tools/list_changed.
func isListChanged(method string) bool {
	return strings.HasSuffix(method, protocol.ListChangedSuffix)
}
