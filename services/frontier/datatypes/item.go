// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the value types shared by the frontier scheduling
// core: clauses, path conditions and the work items that flow between
// pipeline stages.
package datatypes

import (
	"strings"
)

// Clause is one branch decision of a path condition, in the textual form
// produced by the symbolic executor (for example "{V3} > 0").
type Clause string

// PathCondition is an ordered sequence of clauses. The first clause is the
// closest to the root of the exploration, the last is the frontier.
type PathCondition []Clause

// pathSeparator joins clause texts into a map key. It cannot appear in
// clause text emitted by the executor.
const pathSeparator = "\x1f"

// Key returns a string uniquely identifying the path condition.
func (p PathCondition) Key() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = string(c)
	}
	return strings.Join(parts, pathSeparator)
}

// Prefix returns the first n clauses. It shares storage with p.
func (p PathCondition) Prefix(n int) PathCondition {
	if n > len(p) {
		n = len(p)
	}
	return p[:n]
}

// Last returns the frontier clause, or "" for an empty path condition.
func (p PathCondition) Last() Clause {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// String renders the path condition as a conjunction.
func (p PathCondition) String() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = string(c)
	}
	return strings.Join(parts, " && ")
}

// WorkItem is a frontier state awaiting a scheduling decision.
//
// Implementations are owned by the producer. The scheduling core only stores
// and reorders references and never mutates them.
type WorkItem interface {
	// EntryPoint identifies the method where the path starts.
	EntryPoint() string

	// PathCondition returns the clauses from root to frontier.
	PathCondition() PathCondition
}

// Item is the default WorkItem implementation.
type Item struct {
	// ID is an opaque producer-assigned identifier, used only in logs.
	ID string

	// Entry is the entry point signature.
	Entry string

	// Path is the path condition of the frontier state.
	Path PathCondition

	// Payload carries producer data the scheduling core never inspects.
	Payload any
}

// EntryPoint implements WorkItem.
func (i *Item) EntryPoint() string { return i.Entry }

// PathCondition implements WorkItem.
func (i *Item) PathCondition() PathCondition { return i.Path }

// NewItem builds an Item from plain clause strings.
func NewItem(id, entry string, clauses ...string) *Item {
	path := make(PathCondition, len(clauses))
	for i, c := range clauses {
		path[i] = Clause(c)
	}
	return &Item{ID: id, Entry: entry, Path: path}
}

var _ WorkItem = (*Item)(nil)
