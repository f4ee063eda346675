// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package discovery enumerates the catalogs of the backends and feeds
// them into the aggregation registry.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcphub/pkg/aggregate"
	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
)

const (
	maxConcurrentDiscoveries = 10

	// maxPages caps cursor-following per catalog so a backend handing out
	// circular cursors cannot wedge discovery.
	maxPages = 100
)

// Caller is the slice of the backend manager discovery needs.
type Caller interface {
	Call(ctx context.Context, name, method string, params any) (*protocol.Message, error)
	Running() []string
}

// Support reports detected per-backend method support.
type Support interface {
	Supports(name, method string) bool
}

// Discoverer pulls backend catalogs into the registry.
type Discoverer struct {
	caller   Caller
	support  Support
	registry *aggregate.Registry
}

// New creates a discoverer.
func New(caller Caller, support Support, registry *aggregate.Registry) *Discoverer {
	return &Discoverer{
		caller:   caller,
		support:  support,
		registry: registry,
	}
}

// Discover replaces a backend's registry entries with the result of a
// fresh enumeration of every catalog it supports. The catalogs are
// independent: a failing one is logged and skipped while the rest still
// land in the registry. It returns the number of entries that made it
// in, and an error only when every supported catalog failed.
func (d *Discoverer) Discover(ctx context.Context, name string) (int, error) {
	families := []struct {
		method string
		list   func(context.Context, string) ([]aggregate.Item, error)
	}{
		{protocol.MethodToolsList, d.listTools},
		{protocol.MethodResourcesList, d.listResources},
		{protocol.MethodPromptsList, d.listPrompts},
	}

	var items []aggregate.Item
	var firstErr error
	attempted, failed := 0, 0
	for _, family := range families {
		if !d.support.Supports(name, family.method) {
			continue
		}
		attempted++
		found, err := family.list(ctx, name)
		if err != nil {
			logger.Warnf("Skipping %s catalog from backend %s: %v", family.method, name, err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		items = append(items, found...)
	}
	if attempted > 0 && failed == attempted {
		return 0, firstErr
	}

	d.registry.RemoveByBackend(name)
	added := d.registry.AddBatch(items)

	logger.Infof("Discovered %d catalog entries from backend %s", added, name)
	return added, nil
}

// DiscoverAll enumerates every running backend concurrently. A failing
// backend is logged and skipped so the rest still populate the registry.
func (d *Discoverer) DiscoverAll(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentDiscoveries)
	for _, name := range d.caller.Running() {
		group.Go(func() error {
			if _, err := d.Discover(groupCtx, name); err != nil {
				logger.Warnf("Discovery for backend %s failed: %v", name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Forget drops a backend's entries from the registry, reporting how many
// were removed.
func (d *Discoverer) Forget(name string) int {
	return d.registry.RemoveByBackend(name)
}

func (d *Discoverer) listTools(ctx context.Context, name string) ([]aggregate.Item, error) {
	var items []aggregate.Item
	err := d.eachPage(ctx, name, protocol.MethodToolsList, func(result json.RawMessage) (string, error) {
		var page protocol.ListToolsResult
		if err := json.Unmarshal(result, &page); err != nil {
			return "", err
		}
		for _, tool := range page.Tools {
			items = append(items, aggregate.Item{
				Kind:        aggregate.KindTool,
				Key:         tool.Name,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				Backend:     name,
			})
		}
		return page.NextCursor, nil
	})
	return items, err
}

func (d *Discoverer) listResources(ctx context.Context, name string) ([]aggregate.Item, error) {
	var items []aggregate.Item
	err := d.eachPage(ctx, name, protocol.MethodResourcesList, func(result json.RawMessage) (string, error) {
		var page protocol.ListResourcesResult
		if err := json.Unmarshal(result, &page); err != nil {
			return "", err
		}
		for _, res := range page.Resources {
			items = append(items, aggregate.Item{
				Kind:        aggregate.KindResource,
				Key:         res.URI,
				Name:        res.Name,
				Description: res.Description,
				MimeType:    res.MimeType,
				Backend:     name,
			})
		}
		return page.NextCursor, nil
	})
	return items, err
}

func (d *Discoverer) listPrompts(ctx context.Context, name string) ([]aggregate.Item, error) {
	var items []aggregate.Item
	err := d.eachPage(ctx, name, protocol.MethodPromptsList, func(result json.RawMessage) (string, error) {
		var page protocol.ListPromptsResult
		if err := json.Unmarshal(result, &page); err != nil {
			return "", err
		}
		for _, prompt := range page.Prompts {
			items = append(items, aggregate.Item{
				Kind:        aggregate.KindPrompt,
				Key:         prompt.Name,
				Name:        prompt.Name,
				Description: prompt.Description,
				Arguments:   prompt.Arguments,
				Backend:     name,
			})
		}
		return page.NextCursor, nil
	})
	return items, err
}

// eachPage calls a list method repeatedly, following pagination cursors
// until the backend stops returning one.
func (d *Discoverer) eachPage(
	ctx context.Context, name, method string, consume func(result json.RawMessage) (string, error),
) error {
	cursor := ""
	for page := 0; page < maxPages; page++ {
		var params any
		if cursor != "" {
			params = protocol.ListParams{Cursor: cursor}
		}

		resp, err := d.caller.Call(ctx, name, method, params)
		if err != nil {
			return err
		}
		next, err := consume(resp.Result)
		if err != nil {
			return errors.NewTransportError(
				fmt.Sprintf("backend %s returned a malformed %s result", name, method), err)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
	return errors.NewTransportError(
		fmt.Sprintf("backend %s exceeded %d pages for %s", name, maxPages, method), nil)
}
