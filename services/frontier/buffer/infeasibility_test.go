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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/frontier/services/frontier/classifier"
)

func TestInfeasibilityMap_Queue(t *testing.T) {
	feasible := func(v int) classifier.Result { return classifier.Result{Verdict: classifier.Feasible, Voting: v} }
	infeasible := func(v int) classifier.Result { return classifier.Result{Verdict: classifier.Infeasible, Voting: v} }
	unknown := classifier.Result{Verdict: classifier.Unknown}

	tests := []struct {
		k    int
		res  classifier.Result
		want int
	}{
		{1, unknown, 1},
		{1, feasible(1), 1},
		{1, infeasible(1), 0},

		{2, unknown, 1},
		{2, feasible(2), 1},
		{2, infeasible(2), 0},

		{3, unknown, 3},
		{3, feasible(3), 3},
		{3, feasible(2), 2},
		{3, infeasible(3), 0},
		{3, infeasible(2), 1},

		// 4 of 5 lands exactly half way and rounds up.
		{5, feasible(5), 3},
		{5, feasible(4), 3},
		{5, feasible(3), 2},
		{5, infeasible(5), 0},
		{5, infeasible(4), 0},
		{5, infeasible(3), 1},

		{7, feasible(6), 3},
		{7, feasible(5), 2},
		{7, infeasible(4), 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("k=%d/%s/%d", tt.k, tt.res.Verdict, tt.res.Voting), func(t *testing.T) {
			m := newInfeasibilityMap(tableInfeasibility.ranking, tt.k, DerivedInfeasibilityThreshold)
			assert.Equal(t, tt.want, m.queue(tt.res))
		})
	}
}

func TestInfeasibilityMap_Passes(t *testing.T) {
	// k=1 reaches queues 1 (Unknown, Feasible) and 0 (Infeasible).
	m := newInfeasibilityMap(tableInfeasibility.ranking, 1, DerivedInfeasibilityThreshold)
	assert.Equal(t, 0, m.threshold)
	assert.True(t, m.passes(1))
	assert.False(t, m.passes(0))

	m = newInfeasibilityMap(tableInfeasibility.ranking, 3, DerivedInfeasibilityThreshold)
	assert.Equal(t, 1, m.threshold)
	assert.True(t, m.passes(3))
	assert.True(t, m.passes(2))
	assert.False(t, m.passes(1))
	assert.False(t, m.passes(0))

	// An explicit threshold overrides the derived one.
	m = newInfeasibilityMap(tableInfeasibility.ranking, 1, 1)
	assert.False(t, m.passes(1))
	assert.True(t, m.passes(2))
	assert.Equal(t, 1, m.queue(classifier.Result{Verdict: classifier.Unknown}))
}
