// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
	"github.com/stacklok/mcphub/pkg/transport"
)

// maxConcurrentStarts bounds parallel backend startup.
const maxConcurrentStarts = 10

// Manager owns the set of registered backends and their live connections.
type Manager struct {
	factory        TransportFactory
	requestTimeout time.Duration

	mu      sync.RWMutex
	configs map[string]config.BackendConfig
	conns   map[string]*Connection

	obsMu     sync.RWMutex
	observers []Observer
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRequestTimeout overrides the default per-request timeout.
func WithRequestTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.requestTimeout = d
	}
}

// WithFactory overrides the transport factory, mainly for tests.
func WithFactory(f TransportFactory) ManagerOption {
	return func(m *Manager) {
		m.factory = f
	}
}

// NewManager creates a backend manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		factory:        transport.NewFactory(),
		requestTimeout: DefaultRequestTimeout,
		configs:        make(map[string]config.BackendConfig),
		conns:          make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe adds an observer for backend lifecycle events.
func (m *Manager) Subscribe(obs Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Manager) emit(event Event) {
	m.obsMu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.RUnlock()

	for _, obs := range observers {
		obs.OnBackendEvent(event)
	}
}

// Register records a backend so it can be started later.
func (m *Manager) Register(cfg config.BackendConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.configs[cfg.Name]; exists {
		return errors.NewConfigurationError(fmt.Sprintf("backend %s is already registered", cfg.Name), nil)
	}
	m.configs[cfg.Name] = cfg
	return nil
}

// Unregister stops a backend if running and forgets its registration.
// Unregistering an unknown backend is an error.
func (m *Manager) Unregister(name string) error {
	m.mu.RLock()
	_, registered := m.configs[name]
	m.mu.RUnlock()
	if !registered {
		return errors.NewConfigurationError(fmt.Sprintf("backend %s is not registered", name), nil)
	}

	if err := m.Stop(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, name)
	return nil
}

// Start brings one registered backend up.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	cfg, registered := m.configs[name]
	if !registered {
		m.mu.Unlock()
		return errors.NewConfigurationError(fmt.Sprintf("backend %s is not registered", name), nil)
	}
	if _, running := m.conns[name]; running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := NewConnection(cfg, m.factory, connectionEvents{
		onNotification: m.handleNotification,
		onError:        m.handleError,
		onClose:        m.handleClose,
	})
	if err != nil {
		return err
	}
	if err := conn.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if _, running := m.conns[name]; running {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conns[name] = conn
	m.mu.Unlock()

	logger.Infof("Backend %s started", name)
	m.emit(Event{Type: EventStarted, Backend: name})
	return nil
}

// Stop shuts one backend down. Stopping a backend that is not running is
// a no-op.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	conn, running := m.conns[name]
	if running {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if !running {
		return nil
	}

	err := conn.Close()
	logger.Infof("Backend %s stopped", name)
	m.emit(Event{Type: EventStopped, Backend: name})
	return err
}

// StartAll starts every registered backend concurrently. A backend that
// fails to start is logged and skipped so the rest can come up.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	m.mu.RUnlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentStarts)
	for _, name := range names {
		group.Go(func() error {
			if err := m.Start(groupCtx, name); err != nil {
				logger.Errorf("Failed to start backend %s: %v", name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// StopAll stops every running backend.
func (m *Manager) StopAll() {
	for _, name := range m.Running() {
		if err := m.Stop(name); err != nil {
			logger.Warnf("Failed to stop backend %s: %v", name, err)
		}
	}
}

// Call sends a request to the named backend and waits for its response
// using the manager's default timeout.
func (m *Manager) Call(ctx context.Context, name, method string, params any) (*protocol.Message, error) {
	return m.CallWithTimeout(ctx, name, method, params, m.requestTimeout)
}

// CallWithTimeout is Call with an explicit per-request timeout.
func (m *Manager) CallWithTimeout(
	ctx context.Context, name, method string, params any, timeout time.Duration,
) (*protocol.Message, error) {
	conn, err := m.connection(name)
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, method, params, timeout)
}

// Notify sends a notification to the named backend.
func (m *Manager) Notify(name, method string, params any) error {
	conn, err := m.connection(name)
	if err != nil {
		return err
	}
	return conn.Notify(method, params)
}

// Running returns the names of all running backends, sorted.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRunning reports whether the named backend has a live connection.
func (m *Manager) IsRunning(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, running := m.conns[name]
	return running
}

// Backends returns the configuration of every registered backend.
func (m *Manager) Backends() []config.BackendConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs := make([]config.BackendConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs
}

func (m *Manager) connection(name string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, running := m.conns[name]
	if !running {
		return nil, errors.NewServerUnavailableError(fmt.Sprintf("backend %s is not running", name))
	}
	return conn, nil
}

func (m *Manager) handleNotification(name string, msg *protocol.Message) {
	if isListChanged(msg.Method) {
		logger.Infof("Backend %s announced %s", name, msg.Method)
		m.emit(Event{Type: EventListChanged, Backend: name, Method: msg.Method})
		return
	}
	logger.Debugf("Backend %s sent notification %s", name, msg.Method)
}

func (m *Manager) handleError(name string, err error) {
	m.emit(Event{Type: EventError, Backend: name, Err: err})
}

// handleClose fires when a connection dies on its own. Deliberate stops
// remove the connection first, so this only reports unexpected losses.
func (m *Manager) handleClose(name string) {
	m.mu.Lock()
	_, running := m.conns[name]
	if running {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if running {
		logger.Warnf("Backend %s connection lost", name)
		m.emit(Event{Type: EventStopped, Backend: name})
	}
}
