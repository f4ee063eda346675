// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcphub/pkg/backend"
	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/protocol"
	"github.com/stacklok/mcphub/pkg/transport"
)

// fakeTransport is a scripted in-memory transport. The responder, when
// set, is invoked for every sent request and its reply delivered back
// through the handler asynchronously.
type fakeTransport struct {
	handler   transport.Handler
	responder func(msg *protocol.Message) *protocol.Message

	mu   sync.Mutex
	sent []*protocol.Message
}

func (f *fakeTransport) Start(_ context.Context) error { return nil }

func (f *fakeTransport) Send(msg *protocol.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	if f.responder != nil {
		if resp := f.responder(msg); resp != nil {
			go f.handler.OnMessage(resp)
		}
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.handler.OnClose()
	return nil
}

// fakeFactory hands out one fakeTransport per backend name. A per-name
// responder takes precedence over the shared one.
type fakeFactory struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	responder  func(msg *protocol.Message) *protocol.Message
	responders map[string]func(msg *protocol.Message) *protocol.Message
	createErr  map[string]error
}

func newFakeFactory(responder func(msg *protocol.Message) *protocol.Message) *fakeFactory {
	return &fakeFactory{
		transports: make(map[string]*fakeTransport),
		responder:  responder,
		responders: make(map[string]func(msg *protocol.Message) *protocol.Message),
		createErr:  make(map[string]error),
	}
}

func (f *fakeFactory) Create(cfg transport.Config) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[cfg.Name]; err != nil {
		return nil, err
	}
	responder := f.responder
	if r, ok := f.responders[cfg.Name]; ok {
		responder = r
	}
	tr := &fakeTransport{handler: cfg.Handler, responder: responder}
	f.transports[cfg.Name] = tr
	return tr, nil
}

func (f *fakeFactory) transportFor(name string) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[name]
}

// eventRecorder collects lifecycle events on a channel.
type eventRecorder struct {
	events chan backend.Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan backend.Event, 16)}
}

func (r *eventRecorder) OnBackendEvent(event backend.Event) { r.events <- event }

func (r *eventRecorder) wait(t *testing.T, eventType backend.EventType) backend.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func stdioBackend(name string) config.BackendConfig {
	return config.BackendConfig{Name: name, Transport: "stdio", Command: "srv"}
}

func echoResponder(result any) func(msg *protocol.Message) *protocol.Message {
	return func(msg *protocol.Message) *protocol.Message {
		resp, err := protocol.NewResponse(msg.ID, result)
		if err != nil {
			panic(err)
		}
		return resp
	}
}

func startedManager(t *testing.T, factory *fakeFactory, names ...string) *backend.Manager {
	t.Helper()
	mgr := backend.NewManager(backend.WithFactory(factory))
	for _, name := range names {
		require.NoError(t, mgr.Register(stdioBackend(name)))
		require.NoError(t, mgr.Start(context.Background(), name))
	}
	t.Cleanup(mgr.StopAll)
	return mgr
}

func TestManagerCallRoundTrip(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(echoResponder(protocol.ListToolsResult{
		Tools: []protocol.Tool{{Name: "search"}},
	}))
	mgr := startedManager(t, factory, "alpha")

	resp, err := mgr.Call(context.Background(), "alpha", protocol.MethodToolsList, nil)
	require.NoError(t, err)

	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "search", result.Tools[0].Name)
}

func TestManagerCallTimesOut(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(nil) // never responds
	mgr := backend.NewManager(
		backend.WithFactory(factory),
		backend.WithRequestTimeout(50*time.Millisecond),
	)
	require.NoError(t, mgr.Register(stdioBackend("alpha")))
	require.NoError(t, mgr.Start(context.Background(), "alpha"))
	t.Cleanup(mgr.StopAll)

	_, err := mgr.Call(context.Background(), "alpha", protocol.MethodToolsList, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))

	// A response arriving after the timeout must be discarded quietly.
	tr := factory.transportFor("alpha")
	require.NotNil(t, tr)
	late, err := protocol.NewResponse(int64(1), map[string]any{})
	require.NoError(t, err)
	tr.handler.OnMessage(late)
}

func TestManagerStalledBackendDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(nil)
	factory.responders["fast"] = echoResponder(protocol.ListToolsResult{})

	mgr := backend.NewManager(
		backend.WithFactory(factory),
		backend.WithRequestTimeout(2*time.Second),
	)
	require.NoError(t, mgr.Register(stdioBackend("slow")))
	require.NoError(t, mgr.Register(stdioBackend("fast")))
	require.NoError(t, mgr.Start(context.Background(), "slow"))
	require.NoError(t, mgr.Start(context.Background(), "fast"))
	t.Cleanup(mgr.StopAll)

	// Park a call on the backend that never answers.
	slowErr := make(chan error, 1)
	go func() {
		_, err := mgr.Call(context.Background(), "slow", protocol.MethodToolsList, nil)
		slowErr <- err
	}()
	tr := factory.transportFor("slow")
	require.NotNil(t, tr)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.sent) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The responsive backend answers while the other call is in flight.
	start := time.Now()
	resp, err := mgr.Call(context.Background(), "fast", protocol.MethodToolsList, nil)
	require.NoError(t, err)
	assert.NotNil(t, resp.Result)
	assert.Less(t, time.Since(start), time.Second, "responsive backend must not wait on the stalled one")

	select {
	case err := <-slowErr:
		require.Error(t, err)
		assert.True(t, errors.IsTimeout(err))
	case <-time.After(5 * time.Second):
		t.Fatal("stalled call never timed out")
	}
}

func TestManagerCallBackendError(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(func(msg *protocol.Message) *protocol.Message {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "bad params", nil)
	})
	mgr := startedManager(t, factory, "alpha")

	_, err := mgr.Call(context.Background(), "alpha", protocol.MethodToolsCall, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeBackend))
	assert.Equal(t, protocol.CodeInvalidParams, errors.CodeFor(err))
}

func TestManagerConnectionLossRejectsInFlight(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(nil)
	recorder := newEventRecorder()

	mgr := backend.NewManager(backend.WithFactory(factory))
	mgr.Subscribe(recorder)
	require.NoError(t, mgr.Register(stdioBackend("alpha")))
	require.NoError(t, mgr.Start(context.Background(), "alpha"))
	recorder.wait(t, backend.EventStarted)

	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.CallWithTimeout(context.Background(), "alpha", protocol.MethodToolsList, nil, 10*time.Second)
		errCh <- err
	}()

	// Let the call register its waiter before killing the connection.
	tr := factory.transportFor("alpha")
	require.NotNil(t, tr)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.sent) == 1
	}, 5*time.Second, 10*time.Millisecond)

	tr.handler.OnClose()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.IsConnectionClosed(err))
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call was not rejected")
	}

	ev := recorder.wait(t, backend.EventStopped)
	assert.Equal(t, "alpha", ev.Backend)
	assert.False(t, mgr.IsRunning("alpha"))

	_, err := mgr.Call(context.Background(), "alpha", protocol.MethodToolsList, nil)
	assert.True(t, errors.IsType(err, errors.TypeServerUnavailable))
}

func TestManagerListChangedEvent(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(nil)
	recorder := newEventRecorder()

	mgr := backend.NewManager(backend.WithFactory(factory))
	mgr.Subscribe(recorder)
	require.NoError(t, mgr.Register(stdioBackend("alpha")))
	require.NoError(t, mgr.Start(context.Background(), "alpha"))
	t.Cleanup(mgr.StopAll)

	note, err := protocol.NewNotification("notifications/tools/list_changed", nil)
	require.NoError(t, err)
	factory.transportFor("alpha").handler.OnMessage(note)

	ev := recorder.wait(t, backend.EventListChanged)
	assert.Equal(t, "alpha", ev.Backend)
	assert.Equal(t, "notifications/tools/list_changed", ev.Method)
}

func TestManagerStartAllSkipsFailures(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(nil)
	factory.createErr["broken"] = assert.AnError

	mgr := backend.NewManager(backend.WithFactory(factory))
	require.NoError(t, mgr.Register(stdioBackend("alpha")))
	require.NoError(t, mgr.Register(stdioBackend("broken")))
	t.Cleanup(mgr.StopAll)

	require.NoError(t, mgr.StartAll(context.Background()))
	assert.Equal(t, []string{"alpha"}, mgr.Running())
	assert.False(t, mgr.IsRunning("broken"))
}

func TestManagerRegisterValidation(t *testing.T) {
	t.Parallel()

	mgr := backend.NewManager(backend.WithFactory(newFakeFactory(nil)))
	require.NoError(t, mgr.Register(stdioBackend("alpha")))

	err := mgr.Register(stdioBackend("alpha"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeConfiguration))

	err = mgr.Register(config.BackendConfig{Name: "bad", Transport: "carrier-pigeon"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeConfiguration))

	err = mgr.Start(context.Background(), "never-registered")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeConfiguration))
}

func TestManagerUnregister(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(nil)
	mgr := startedManager(t, factory, "alpha")

	require.NoError(t, mgr.Unregister("alpha"))
	assert.Empty(t, mgr.Running())
	assert.Empty(t, mgr.Backends())

	// Registering again works because the name is free.
	require.NoError(t, mgr.Register(stdioBackend("alpha")))
}

func TestManagerUnregisterUnknownBackend(t *testing.T) {
	t.Parallel()

	mgr := backend.NewManager(backend.WithFactory(newFakeFactory(nil)))

	err := mgr.Unregister("ghost")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeConfiguration))
}

func TestManagerStopIsIdempotent(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(nil)
	mgr := startedManager(t, factory, "alpha")

	require.NoError(t, mgr.Stop("alpha"))
	require.NoError(t, mgr.Stop("alpha"))
	assert.Empty(t, mgr.Running())
}
