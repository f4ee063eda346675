// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package aggregate maintains the merged catalog of tools, resources and
// prompts published by the proxy, resolving key conflicts between
// backends according to a configurable policy.
package aggregate

import (
	"fmt"
	"strings"

	"github.com/stacklok/mcphub/pkg/errors"
)

type policyKind int

const (
	policyFirstWins policyKind = iota
	policyLastWins
	policyPrefer
	policyRename
	policyReject
)

// Policy decides which entry survives when two backends publish the same
// catalog key. One policy applies uniformly to tools, resources and
// prompts.
type Policy struct {
	kind      policyKind
	preferred string
}

// Built-in policies.
var (
	// FirstWins keeps the entry that arrived first.
	FirstWins = Policy{kind: policyFirstWins}

	// LastWins replaces the entry with the newcomer.
	LastWins = Policy{kind: policyLastWins}

	// Rename keeps both entries by qualifying the newcomer's key with its
	// backend name.
	Rename = Policy{kind: policyRename}

	// Reject refuses conflicting entries outright.
	Reject = Policy{kind: policyReject}
)

// Prefer keeps whichever entry comes from the named backend, falling back
// to first-wins when neither does.
func Prefer(backend string) Policy {
	return Policy{kind: policyPrefer, preferred: backend}
}

// ParsePolicy parses a policy from its configuration form: first-wins,
// last-wins, prefer:<backend>, rename or reject.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first-wins":
		return FirstWins, nil
	case "last-wins":
		return LastWins, nil
	case "rename":
		return Rename, nil
	case "reject":
		return Reject, nil
	}
	if name, ok := strings.CutPrefix(strings.TrimSpace(s), "prefer:"); ok {
		if name == "" {
			return Policy{}, errors.NewConfigurationError("prefer policy requires a backend name", nil)
		}
		return Prefer(name), nil
	}
	return Policy{}, errors.NewConfigurationError(fmt.Sprintf("unknown conflict policy %q", s), nil)
}

// String returns the configuration form of the policy.
func (p Policy) String() string {
	switch p.kind {
	case policyLastWins:
		return "last-wins"
	case policyPrefer:
		return "prefer:" + p.preferred
	case policyRename:
		return "rename"
	case policyReject:
		return "reject"
	default:
		return "first-wins"
	}
}
