// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package buffer

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/AleutianAI/frontier/services/frontier/datatypes"
	"github.com/AleutianAI/frontier/services/frontier/encoding"
)

// ErrInvalidConfig is returned by New for a malformed Config.
var ErrInvalidConfig = errors.New("buffer: invalid config")

const (
	// MaxImprovability caps the improvability index.
	MaxImprovability = 10

	// MaxNovelty caps the novelty index.
	MaxNovelty = 10

	// DerivedInfeasibilityThreshold makes the infeasibility threshold the
	// lowest queue reachable by an Unknown or Feasible verdict for K.
	DerivedInfeasibilityThreshold = -1
)

// Config selects the active heuristics and their tuning.
type Config struct {
	// UseImprovability ranks items by uncovered neighbor branches.
	UseImprovability bool

	// UseNovelty ranks items by how rarely their covered branches were hit.
	UseNovelty bool

	// UseInfeasibility ranks items by the feasibility classifier.
	UseInfeasibility bool

	// ImprovabilityPattern filters the branches counted for improvability.
	// The whole branch name must match. Empty matches everything.
	ImprovabilityPattern string

	// NoveltyPattern filters the branches counted for novelty. The whole
	// branch name must match. Empty matches everything.
	NoveltyPattern string

	// TrainingThreshold is the number of new training examples required
	// before an infeasibility reclassification pass runs.
	TrainingThreshold int

	// K is the number of classifier neighbors. Must be >= 1.
	K int

	// ImprovabilityThreshold: with several heuristics active, an item
	// passes improvability when its index is greater than this.
	ImprovabilityThreshold int

	// NoveltyThreshold: with several heuristics active, an item passes
	// novelty when its index is less than this.
	NoveltyThreshold int

	// InfeasibilityThreshold: with several heuristics active, an item
	// passes infeasibility when its index is greater than this. Use
	// DerivedInfeasibilityThreshold to derive it from K.
	InfeasibilityThreshold int
}

// DefaultConfig enables all three heuristics with k = 1.
func DefaultConfig() Config {
	return Config{
		UseImprovability:       true,
		UseNovelty:             true,
		UseInfeasibility:       true,
		TrainingThreshold:      50,
		K:                      1,
		ImprovabilityThreshold: 0,
		NoveltyThreshold:       2,
		InfeasibilityThreshold: DerivedInfeasibilityThreshold,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidConfig, c.K)
	}
	if c.InfeasibilityThreshold < DerivedInfeasibilityThreshold {
		return fmt.Errorf("%w: infeasibility threshold %d below %d",
			ErrInvalidConfig, c.InfeasibilityThreshold, DerivedInfeasibilityThreshold)
	}
	if c.TrainingThreshold < 0 {
		return fmt.Errorf("%w: negative training threshold %d", ErrInvalidConfig, c.TrainingThreshold)
	}
	if _, err := compilePattern(c.ImprovabilityPattern); err != nil {
		return fmt.Errorf("%w: improvability pattern: %v", ErrInvalidConfig, err)
	}
	if _, err := compilePattern(c.NoveltyPattern); err != nil {
		return fmt.Errorf("%w: novelty pattern: %v", ErrInvalidConfig, err)
	}
	return nil
}

// activeCount returns how many heuristics are enabled.
func (c Config) activeCount() int {
	n := 0
	for _, on := range []bool{c.UseImprovability, c.UseNovelty, c.UseInfeasibility} {
		if on {
			n++
		}
	}
	return n
}

// compilePattern anchors p so that it must match a whole branch name.
func compilePattern(p string) (*regexp.Regexp, error) {
	if p == "" {
		p = ".*"
	}
	return regexp.Compile(`^(?:` + p + `)$`)
}

// -----------------------------------------------------------------------------
// Queue tables
// -----------------------------------------------------------------------------

// queueTable lists queue numbers best to worst with their choice weights.
type queueTable struct {
	ranking []int
	weights []int
}

var (
	tableNone = queueTable{
		ranking: []int{0},
		weights: []int{100},
	}
	tableImprovability = queueTable{
		ranking: []int{10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
		weights: []int{50, 12, 9, 7, 6, 5, 4, 3, 2, 1, 1},
	}
	tableNovelty = queueTable{
		ranking: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		weights: []int{50, 12, 9, 7, 6, 5, 4, 3, 2, 1, 1},
	}
	tableInfeasibility = queueTable{
		ranking: []int{3, 2, 1, 0},
		weights: []int{50, 30, 15, 5},
	}
	tableTwo = queueTable{
		ranking: []int{2, 1, 0},
		weights: []int{60, 30, 10},
	}
	tableThree = queueTable{
		ranking: []int{3, 2, 1, 0},
		weights: []int{50, 30, 15, 5},
	}
)

// tableFor selects the queue table for the enabled heuristics.
func tableFor(c Config) queueTable {
	switch c.activeCount() {
	case 0:
		return tableNone
	case 1:
		switch {
		case c.UseImprovability:
			return tableImprovability
		case c.UseNovelty:
			return tableNovelty
		default:
			return tableInfeasibility
		}
	case 2:
		return tableTwo
	default:
		return tableThree
	}
}

// -----------------------------------------------------------------------------
// Tree store contract
// -----------------------------------------------------------------------------

// TreeStore is the exploration tree the buffer reads and annotates.
//
// Getters and setters panic when the path was never registered. Lock and
// Unlock guard a reclassification pass; the buffer always takes its own
// lock before the tree's.
type TreeStore interface {
	sync.Locker

	EncodedPathCondition(entry string, path datatypes.PathCondition) *encoding.Encoding
	NeighborBranches(entry string, path datatypes.PathCondition) []string
	CoveredBranches(entry string, path datatypes.PathCondition) []string
	HitCounts(entry string, path datatypes.PathCondition) map[string]int
	Covers(branch string) bool

	IndexImprovability(entry string, path datatypes.PathCondition) int
	SetIndexImprovability(entry string, path datatypes.PathCondition, v int)
	IndexNovelty(entry string, path datatypes.PathCondition) int
	SetIndexNovelty(entry string, path datatypes.PathCondition, v int)
	IndexInfeasibility(entry string, path datatypes.PathCondition) int
	SetIndexInfeasibility(entry string, path datatypes.PathCondition, v int)
}
