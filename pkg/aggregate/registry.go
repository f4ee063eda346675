// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package aggregate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/protocol"
)

// Kind classifies a catalog entry.
type Kind string

// Catalog entry kinds.
const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Item is one entry in the merged catalog. Key is the published lookup
// key: the tool name, the resource URI or the prompt name, possibly
// qualified by the rename policy.
type Item struct {
	Kind        Kind
	Key         string
	Name        string
	Description string

	// MimeType applies to resources.
	MimeType string

	// InputSchema applies to tools.
	InputSchema map[string]any

	// Arguments applies to prompts.
	Arguments []protocol.PromptArgument

	// Backend is the name of the backend that owns the entry.
	Backend string
}

// Registry is the merged, conflict-resolved catalog.
type Registry struct {
	policy Policy

	mu      sync.RWMutex
	items   map[Kind]map[string]Item
	updated func(newItem, old Item)
}

// NewRegistry creates an empty registry with the given conflict policy.
func NewRegistry(policy Policy) *Registry {
	return &Registry{
		policy: policy,
		items:  newItemMaps(),
	}
}

// OnUpdate registers a callback invoked whenever a conflict replaces an
// existing entry with one from a different backend. Owner refreshes do
// not fire it.
func (r *Registry) OnUpdate(fn func(newItem, old Item)) {
	r.mu.Lock()
	r.updated = fn
	r.mu.Unlock()
}

func newItemMaps() map[Kind]map[string]Item {
	return map[Kind]map[string]Item{
		KindTool:     make(map[string]Item),
		KindResource: make(map[string]Item),
		KindPrompt:   make(map[string]Item),
	}
}

// Add inserts one item, resolving any key conflict per the policy. It
// reports whether the item ended up in the catalog.
func (r *Registry) Add(item Item) bool {
	r.mu.Lock()
	stored, replaced := r.addLocked(item)
	updated := r.updated
	r.mu.Unlock()

	if replaced != nil && updated != nil {
		updated(item, *replaced)
	}
	return stored
}

// addLocked resolves one insert. When the insert displaces an entry from
// a different backend it returns the displaced entry so the caller can
// fire the update callback outside the lock.
func (r *Registry) addLocked(item Item) (stored bool, replaced *Item) {
	kindItems := r.items[item.Kind]
	existing, conflict := kindItems[item.Key]
	if !conflict || existing.Backend == item.Backend {
		// New entry, or the owner refreshing its own entry.
		kindItems[item.Key] = item
		return true, nil
	}

	switch r.policy.kind {
	case policyFirstWins:
		logger.Debugf("Keeping %s %q from backend %s, dropping duplicate from %s",
			item.Kind, item.Key, existing.Backend, item.Backend)
		return false, nil

	case policyLastWins:
		logger.Debugf("Replacing %s %q from backend %s with entry from %s",
			item.Kind, item.Key, existing.Backend, item.Backend)
		kindItems[item.Key] = item
		return true, &existing

	case policyPrefer:
		if existing.Backend == r.policy.preferred {
			// Nothing displaces the preferred backend's entry.
			return false, nil
		}
		// Preferred newcomer takes the key; between non-preferred
		// backends the most recent one wins.
		kindItems[item.Key] = item
		return true, &existing

	case policyRename:
		renamed := item
		renamed.Key = fmt.Sprintf("%s#%s", item.Key, item.Backend)
		kindItems[renamed.Key] = renamed
		logger.Debugf("Renamed conflicting %s %q from backend %s to %q",
			item.Kind, item.Key, item.Backend, renamed.Key)
		return true, nil

	case policyReject:
		logger.Warnf("Rejecting %s %q from backend %s, key is held by backend %s",
			item.Kind, item.Key, item.Backend, existing.Backend)
		return false, nil

	default:
		return false, nil
	}
}

// AddBatch inserts a batch of items and reports how many were stored.
// Conflicts never abort the batch: each item is resolved on its own.
func (r *Registry) AddBatch(items []Item) int {
	r.mu.Lock()
	added := 0
	type replacement struct{ newItem, old Item }
	var replacements []replacement
	for _, item := range items {
		stored, replaced := r.addLocked(item)
		if stored {
			added++
		}
		if replaced != nil {
			replacements = append(replacements, replacement{item, *replaced})
		}
	}
	updated := r.updated
	r.mu.Unlock()

	if updated != nil {
		for _, rep := range replacements {
			updated(rep.newItem, rep.old)
		}
	}
	return added
}

// RemoveByBackend drops every entry owned by a backend and reports how
// many were removed.
func (r *Registry) RemoveByBackend(backend string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, kindItems := range r.items {
		for key, item := range kindItems {
			if item.Backend == backend {
				delete(kindItems, key)
				removed++
			}
		}
	}
	return removed
}

// Get looks up an entry by kind and key.
func (r *Registry) Get(kind Kind, key string) (Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[kind][key]
	return item, ok
}

// OwnerOf returns the backend owning a key.
func (r *Registry) OwnerOf(kind Kind, key string) (string, bool) {
	item, ok := r.Get(kind, key)
	return item.Backend, ok
}

// Items returns every entry of a kind, sorted by key.
func (r *Registry) Items(kind Kind) []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Item, 0, len(r.items[kind]))
	for _, item := range r.items[kind] {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Tools returns the published tool catalog.
func (r *Registry) Tools() []protocol.Tool {
	items := r.Items(KindTool)
	tools := make([]protocol.Tool, 0, len(items))
	for _, item := range items {
		tools = append(tools, protocol.Tool{
			Name:        item.Key,
			Description: item.Description,
			InputSchema: item.InputSchema,
		})
	}
	return tools
}

// Resources returns the published resource catalog.
func (r *Registry) Resources() []protocol.Resource {
	items := r.Items(KindResource)
	resources := make([]protocol.Resource, 0, len(items))
	for _, item := range items {
		resources = append(resources, protocol.Resource{
			URI:         item.Key,
			Name:        item.Name,
			Description: item.Description,
			MimeType:    item.MimeType,
		})
	}
	return resources
}

// Prompts returns the published prompt catalog.
func (r *Registry) Prompts() []protocol.Prompt {
	items := r.Items(KindPrompt)
	prompts := make([]protocol.Prompt, 0, len(items))
	for _, item := range items {
		prompts = append(prompts, protocol.Prompt{
			Name:        item.Key,
			Description: item.Description,
			Arguments:   item.Arguments,
		})
	}
	return prompts
}

// Len returns the total number of entries across all kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, kindItems := range r.items {
		total += len(kindItems)
	}
	return total
}

// Clear empties the catalog.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.items = newItemMaps()
	r.mu.Unlock()
}
