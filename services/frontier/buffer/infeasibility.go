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
	"math"

	"github.com/AleutianAI/frontier/services/frontier/classifier"
)

// infeasibilityMap turns a classification into a queue number of the
// infeasibility table.
//
// Description:
//
//	A definite verdict wins with a voting strength in [k/2+1, k], so only
//	k - k/2 distinct strengths exist. When the table has more slots than
//	that, the unreachable slots at the top are skipped (offset) and the
//	remaining range is split: the top half for feasible verdicts and the
//	bottom half for infeasible ones. An odd-sized range gives the middle
//	slot to feasible verdicts. Inside each half the strength is mapped
//	linearly so that the strongest feasible verdict lands at the top of
//	the range and the strongest infeasible verdict at the bottom. Unknown
//	always maps to the top of the usable range.
type infeasibilityMap struct {
	ranking []int
	k       int
	voting  int // number of possible voting strengths
	offset  int
	length  int // usable range length, len(ranking) - offset

	// threshold is the index an item must exceed to pass.
	threshold int
}

// newInfeasibilityMap builds the map for k neighbors. A negative threshold
// is derived so that exactly the Unknown and Feasible queues pass.
func newInfeasibilityMap(ranking []int, k, threshold int) *infeasibilityMap {
	m := &infeasibilityMap{
		ranking: ranking,
		k:       k,
		voting:  k - k/2,
	}
	n := len(ranking)
	unusedInfeasible := n/2 - m.voting
	unusedFeasible := unusedInfeasible
	if n%2 == 1 {
		unusedFeasible = n/2 + 1 - m.voting
	}
	if unused := unusedFeasible + unusedInfeasible; unused > 0 {
		m.offset = unused
	}
	m.length = n - m.offset

	if threshold < 0 {
		threshold = ranking[m.offset+m.slots(true)-1] - 1
	}
	m.threshold = threshold
	return m
}

// slots is the number of queues available to a definite verdict.
func (m *infeasibilityMap) slots(feasible bool) int {
	if feasible && m.length%2 == 1 {
		return m.length/2 + 1
	}
	return m.length / 2
}

// queue returns the queue number for res.
func (m *infeasibilityMap) queue(res classifier.Result) int {
	if res.Verdict == classifier.Unknown {
		return m.ranking[m.offset]
	}
	feasible := res.Verdict == classifier.Feasible
	slots := m.slots(feasible)

	step := 0
	if slots > 1 && m.voting > 1 {
		oldBottom := float64(m.k/2 + 1)
		oldTop := float64(m.k)
		newBottom := -float64(slots - 1)
		x := (float64(res.Voting)-oldBottom)/(oldTop-oldBottom)*(0-newBottom) + newBottom
		// Round half up.
		step = int(math.Abs(math.Floor(x + 0.5)))
		step = min(max(step, 0), slots-1)
	}

	if feasible {
		return m.ranking[m.offset+step]
	}
	return m.ranking[len(m.ranking)-1-step]
}

// passes reports whether an infeasibility index counts toward priority
// when several heuristics are active.
func (m *infeasibilityMap) passes(index int) bool {
	return index > m.threshold
}
