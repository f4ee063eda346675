// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package capability detects which MCP methods each backend supports.
// Detection prefers the capability document returned by initialize and
// falls back to probing the list methods directly. Unknown stays
// unsupported: a false negative costs a missed catalog entry, a false
// positive would route live requests at a method the backend rejects.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
)

// Probe timeouts. The initialize handshake gets longer than a bare list
// probe because backends often do real setup work in it.
const (
	initializeTimeout = 5 * time.Second
	probeTimeout      = 3 * time.Second

	maxConcurrentProbes = 10
)

// probeMethods are tried in order when a backend does not answer
// initialize with a usable capability document.
var probeMethods = []string{
	protocol.MethodResourcesList,
	protocol.MethodToolsList,
	protocol.MethodPromptsList,
}

// Caller is the slice of the backend manager the prober needs.
type Caller interface {
	CallWithTimeout(ctx context.Context, name, method string, params any, timeout time.Duration) (*protocol.Message, error)
	Notify(name, method string, params any) error
	Running() []string
}

// Prober detects and records per-backend method support.
type Prober struct {
	caller Caller

	mu        sync.RWMutex
	supported map[string]map[string]bool
}

// NewProber creates a prober backed by the given caller.
func NewProber(caller Caller) *Prober {
	return &Prober{
		caller:    caller,
		supported: make(map[string]map[string]bool),
	}
}

// Detect performs the initialize handshake with a backend and records the
// methods its capability document advertises. When the handshake yields
// nothing usable it probes the list methods one by one. Any earlier
// record for the backend is invalidated before detection starts, so a
// restarted backend never serves from a stale one.
func (p *Prober) Detect(ctx context.Context, name string) error {
	p.Clear(name)

	methods, err := p.detectFromInitialize(ctx, name)
	if err != nil {
		logger.Debugf("Initialize handshake with backend %s failed, falling back to probing: %v", name, err)
		methods = p.detectByProbing(ctx, name)
	}

	if len(methods) == 0 {
		p.Clear(name)
		return errors.NewServerUnavailableError(fmt.Sprintf("backend %s supports no known methods", name))
	}

	p.mu.Lock()
	p.supported[name] = methods
	p.mu.Unlock()

	logger.Infof("Backend %s supports %d methods", name, len(methods))
	return nil
}

func (p *Prober) detectFromInitialize(ctx context.Context, name string) (map[string]bool, error) {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      &protocol.Implementation{Name: "mcphub"},
	}
	resp, err := p.caller.CallWithTimeout(ctx, name, protocol.MethodInitialize, params, initializeTimeout)
	if err != nil {
		return nil, err
	}

	caps := gjson.GetBytes(resp.Result, "capabilities")
	if !caps.Exists() {
		return nil, fmt.Errorf("backend %s returned no capability document", name)
	}

	methods := make(map[string]bool)
	if caps.Get("tools").Exists() {
		methods[protocol.MethodToolsList] = true
		methods[protocol.MethodToolsCall] = true
	}
	if res := caps.Get("resources"); res.Exists() {
		methods[protocol.MethodResourcesList] = true
		methods[protocol.MethodResourcesRead] = true
		if res.Get("subscribe").Bool() {
			methods["resources/subscribe"] = true
		}
	}
	if caps.Get("prompts").Exists() {
		methods[protocol.MethodPromptsList] = true
		methods[protocol.MethodPromptsGet] = true
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("backend %s advertises no capability families", name)
	}

	// Complete the handshake so the backend starts serving requests.
	if err := p.caller.Notify(name, "notifications/initialized", nil); err != nil {
		logger.Debugf("Failed to send initialized notification to backend %s: %v", name, err)
	}
	return methods, nil
}

// detectByProbing marks only the list methods that answer. It deliberately
// does not infer tools/call from tools/list: the companion methods stay
// unknown and dispatch falls back to live scans for them.
func (p *Prober) detectByProbing(ctx context.Context, name string) map[string]bool {
	methods := make(map[string]bool)
	for _, method := range probeMethods {
		if _, err := p.caller.CallWithTimeout(ctx, name, method, nil, probeTimeout); err != nil {
			logger.Debugf("Backend %s does not answer %s: %v", name, method, err)
			continue
		}
		methods[method] = true
	}
	return methods
}

// DetectAll runs Detect on every running backend concurrently. Backends
// already detected are skipped, so repeated calls are cheap; Clear a
// backend to force a re-probe. Failures are logged and left unsupported.
func (p *Prober) DetectAll(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentProbes)
	for _, name := range p.caller.Running() {
		p.mu.RLock()
		_, known := p.supported[name]
		p.mu.RUnlock()
		if known {
			continue
		}
		group.Go(func() error {
			if err := p.Detect(groupCtx, name); err != nil {
				logger.Warnf("Capability detection for backend %s failed: %v", name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Supports reports whether a backend is known to support a method.
// Unknown backends and unknown methods report false.
func (p *Prober) Supports(name, method string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.supported[name][method]
}

// Methods returns the sorted union of supported methods across all
// detected backends.
func (p *Prober) Methods() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	union := make(map[string]bool)
	for _, methods := range p.supported {
		for method := range methods {
			union[method] = true
		}
	}
	out := make([]string, 0, len(union))
	for method := range union {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}

// Capabilities returns the aggregated capability families across all
// detected backends.
func (p *Prober) Capabilities() protocol.ServerCapabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var caps protocol.ServerCapabilities
	for _, methods := range p.supported {
		if methods[protocol.MethodToolsList] && caps.Tools == nil {
			caps.Tools = &protocol.ToolsCapability{ListChanged: true}
		}
		if methods[protocol.MethodResourcesList] && caps.Resources == nil {
			caps.Resources = &protocol.ResourcesCapability{ListChanged: true}
		}
		if methods[protocol.MethodPromptsList] && caps.Prompts == nil {
			caps.Prompts = &protocol.PromptsCapability{ListChanged: true}
		}
	}
	return caps
}

// Clear forgets everything known about a backend.
func (p *Prober) Clear(name string) {
	p.mu.Lock()
	delete(p.supported, name)
	p.mu.Unlock()
}
