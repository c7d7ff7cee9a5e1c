// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package treepath is an in-memory exploration tree: every path condition
// reached by the symbolic executor, per entry point, with its encoding, the
// branches it covers and neighbors, and the heuristic indices cached for it.
package treepath

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/AleutianAI/frontier/services/frontier/datatypes"
	"github.com/AleutianAI/frontier/services/frontier/encoding"
)

// ErrPathNotRegistered is the panic value (wrapped) raised when a getter or
// setter is called for a path that was never inserted.
var ErrPathNotRegistered = errors.New("treepath: path not registered")

const keySeparator = "\x1e"

type node struct {
	enc       *encoding.Encoding
	covered   map[string]struct{}
	neighbors map[string]struct{}

	improvability int
	novelty       int
	infeasibility int
}

// Tree stores exploration state keyed by entry point and path condition.
//
// Description:
//
//	Tree has two locks. An internal RWMutex makes every method safe for
//	concurrent use. The pass lock, exposed through Lock and Unlock, is
//	held by callers that need a stable view across several calls, such as
//	a reclassification pass. Insert, MarkCovered and RestoreHits take the
//	pass lock, so the paths and hit counts do not change while it is held.
//	They must not be called by the holder. Callers holding another lock
//	must take that one first.
//
// Thread Safety: Safe for concurrent use.
type Tree struct {
	encoder *encoding.Encoder
	slicer  encoding.Slicer

	pass sync.Mutex

	mu    sync.RWMutex
	nodes map[string]*node
	hits  map[string]int
}

// New creates an empty tree that encodes registered paths with encoder
// after slicing them with slicer.
func New(encoder *encoding.Encoder, slicer encoding.Slicer) *Tree {
	return &Tree{
		encoder: encoder,
		slicer:  slicer,
		nodes:   make(map[string]*node),
		hits:    make(map[string]int),
	}
}

// Lock acquires the pass lock.
func (t *Tree) Lock() { t.pass.Lock() }

// Unlock releases the pass lock.
func (t *Tree) Unlock() { t.pass.Unlock() }

func key(entry string, path datatypes.PathCondition) string {
	return entry + keySeparator + path.Key()
}

// Insert registers path and each of its prefixes under entry. The covered
// and neighbor branches are attached to the full path; repeated inserts
// merge them. Inserting is idempotent for prefixes.
func (t *Tree) Insert(entry string, path datatypes.PathCondition, covered, neighbors []string) {
	// Encode outside the lock; slicing is the expensive part.
	missing := make(map[int]*encoding.Encoding)
	t.mu.RLock()
	for n := 1; n <= len(path); n++ {
		if _, ok := t.nodes[key(entry, path.Prefix(n))]; !ok {
			missing[n] = nil
		}
	}
	t.mu.RUnlock()
	for n := range missing {
		missing[n] = t.encoder.EncodePath(t.slicer, path.Prefix(n))
	}

	t.pass.Lock()
	defer t.pass.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	for n, enc := range missing {
		k := key(entry, path.Prefix(n))
		if _, ok := t.nodes[k]; ok {
			continue
		}
		t.nodes[k] = &node{
			enc:       enc,
			covered:   make(map[string]struct{}),
			neighbors: make(map[string]struct{}),
		}
	}
	if len(path) == 0 {
		return
	}
	nd := t.nodes[key(entry, path)]
	for _, b := range covered {
		nd.covered[b] = struct{}{}
	}
	for _, b := range neighbors {
		nd.neighbors[b] = struct{}{}
	}
}

// Contains reports whether path is registered under entry.
func (t *Tree) Contains(entry string, path datatypes.PathCondition) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[key(entry, path)]
	return ok
}

// Size returns the number of registered paths, prefixes included.
func (t *Tree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// must returns the node for path. The caller holds t.mu.
func (t *Tree) must(entry string, path datatypes.PathCondition) *node {
	nd, ok := t.nodes[key(entry, path)]
	if !ok {
		panic(fmt.Errorf("%w: entry %q path [%s]", ErrPathNotRegistered, entry, path))
	}
	return nd
}

// EncodedPathCondition returns the encoding of a registered path.
func (t *Tree) EncodedPathCondition(entry string, path datatypes.PathCondition) *encoding.Encoding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.must(entry, path).enc
}

// NeighborBranches returns the branches adjacent to a registered path.
func (t *Tree) NeighborBranches(entry string, path datatypes.PathCondition) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return setToSlice(t.must(entry, path).neighbors)
}

// CoveredBranches returns the branches a registered path covers.
func (t *Tree) CoveredBranches(entry string, path datatypes.PathCondition) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return setToSlice(t.must(entry, path).covered)
}

// HitCounts returns the global hit count of every branch covered by a
// registered path. Branches never hit map to 0.
func (t *Tree) HitCounts(entry string, path datatypes.PathCondition) map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nd := t.must(entry, path)
	out := make(map[string]int, len(nd.covered))
	for b := range nd.covered {
		out[b] = t.hits[b]
	}
	return out
}

// Covers reports whether branch has been hit at least once.
func (t *Tree) Covers(branch string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hits[branch] > 0
}

// MarkCovered records one hit for each branch and returns the branches
// covered for the first time.
func (t *Tree) MarkCovered(branches ...string) []string {
	t.pass.Lock()
	defer t.pass.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	var fresh []string
	for _, b := range branches {
		if t.hits[b] == 0 {
			fresh = append(fresh, b)
		}
		t.hits[b]++
	}
	return fresh
}

// TotalCovered returns the number of distinct branches hit so far.
func (t *Tree) TotalCovered() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hits)
}

// HitSnapshot returns a copy of the global hit counts.
func (t *Tree) HitSnapshot() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.hits)
}

// RestoreHits adds previously saved hit counts to the current ones.
func (t *Tree) RestoreHits(hits map[string]int) {
	t.pass.Lock()
	defer t.pass.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	for b, n := range hits {
		if n > 0 {
			t.hits[b] += n
		}
	}
}

// IndexImprovability returns the cached improvability index.
func (t *Tree) IndexImprovability(entry string, path datatypes.PathCondition) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.must(entry, path).improvability
}

// SetIndexImprovability caches the improvability index.
func (t *Tree) SetIndexImprovability(entry string, path datatypes.PathCondition, v int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.must(entry, path).improvability = v
}

// IndexNovelty returns the cached novelty index.
func (t *Tree) IndexNovelty(entry string, path datatypes.PathCondition) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.must(entry, path).novelty
}

// SetIndexNovelty caches the novelty index.
func (t *Tree) SetIndexNovelty(entry string, path datatypes.PathCondition, v int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.must(entry, path).novelty = v
}

// IndexInfeasibility returns the cached infeasibility index.
func (t *Tree) IndexInfeasibility(entry string, path datatypes.PathCondition) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.must(entry, path).infeasibility
}

// SetIndexInfeasibility caches the infeasibility index.
func (t *Tree) SetIndexInfeasibility(entry string, path datatypes.PathCondition, v int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.must(entry, path).infeasibility = v
}

func setToSlice(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
