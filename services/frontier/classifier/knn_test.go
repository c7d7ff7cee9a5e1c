// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/frontier/services/frontier/encoding"
)

var testEncoder = encoding.NewEncoder(encoding.DefaultConfig())

func encode(clauses ...string) *encoding.Encoding {
	return testEncoder.Encode(encoding.Slices{
		SpecificContext: clauses,
		GeneralContext:  clauses,
		SpecificCore:    clauses,
		GeneralCore:     clauses,
	})
}

func newKNN(t *testing.T, k int, sink MetricsSink) *KNN {
	t.Helper()
	c, err := New(DefaultConfig(k), sink, nil)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(DefaultConfig(0), nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg := DefaultConfig(1)
	cfg.GeneralInfeasibleScore = 0
	_, err = New(cfg, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClassify_EmptyTrainingSetIsUnknown(t *testing.T) {
	ctx := context.Background()
	for k := 1; k <= 5; k++ {
		c := newKNN(t, k, nil)
		assert.Equal(t, Result{Verdict: Unknown}, c.Classify(ctx, encode("x > 0")))
	}
}

func TestClassify_FewerThanK(t *testing.T) {
	ctx := context.Background()
	c := newKNN(t, 3, nil)
	c.Train(ctx, TrainingExample{Encoding: encode("x > 0"), Feasible: false})
	c.Train(ctx, TrainingExample{Encoding: encode("y > 0"), Feasible: false})

	assert.Equal(t, Unknown, c.Classify(ctx, encode("x > 0", "y > 0")).Verdict)
}

func TestTrain_SetSemantics(t *testing.T) {
	ctx := context.Background()
	ex := TrainingExample{Encoding: encode("x > 0"), Feasible: false}

	once := newKNN(t, 1, nil)
	assert.Equal(t, 1, once.Train(ctx, ex))

	twice := newKNN(t, 1, nil)
	assert.Equal(t, 1, twice.Train(ctx, ex, ex))
	assert.Equal(t, 0, twice.Train(ctx, TrainingExample{Encoding: encode("x > 0"), Feasible: false}))
	assert.Equal(t, 1, twice.Size())
	assert.Equal(t, 1, twice.InfeasibleCount())

	for _, q := range []*encoding.Encoding{encode("x > 0", "y < 2"), encode("zz == 99"), encode("x > 0")} {
		assert.Equal(t, once.Classify(ctx, q), twice.Classify(ctx, q))
	}
	assert.Equal(t, 0, twice.Train(ctx, TrainingExample{}))
}

func TestTrain_SameEncodingBothLabels(t *testing.T) {
	ctx := context.Background()
	c := newKNN(t, 2, nil)

	// One encoding is kept once per label.
	assert.Equal(t, 1, c.Train(ctx, TrainingExample{Encoding: encode("x > 0"), Feasible: true}))
	assert.Equal(t, 1, c.Train(ctx, TrainingExample{Encoding: encode("x > 0"), Feasible: false}))
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, 1, c.InfeasibleCount())

	assert.Equal(t, 0, c.Train(ctx,
		TrainingExample{Encoding: encode("x > 0"), Feasible: true},
		TrainingExample{Encoding: encode("x > 0"), Feasible: false},
	))
	assert.Equal(t, 2, c.Size())

	// The two labels cancel out.
	assert.Equal(t, Result{Verdict: Unknown}, c.Classify(ctx, encode("x > 0")))
}

func TestClassify_SingleNeighbor(t *testing.T) {
	ctx := context.Background()

	t.Run("infeasible core contained by query", func(t *testing.T) {
		c := newKNN(t, 1, nil)
		c.Train(ctx, TrainingExample{Encoding: encode("x > 0"), Feasible: false})
		assert.Equal(t, Result{Verdict: Infeasible, Voting: 1}, c.Classify(ctx, encode("x > 0", "y < 2")))
	})

	t.Run("feasible core contains query", func(t *testing.T) {
		c := newKNN(t, 1, nil)
		c.Train(ctx, TrainingExample{Encoding: encode("x > 0", "y < 2"), Feasible: true})
		assert.Equal(t, Result{Verdict: Feasible, Voting: 1}, c.Classify(ctx, encode("x > 0")))
	})

	t.Run("unrelated neighbor is uncertain", func(t *testing.T) {
		c := newKNN(t, 1, nil)
		c.Train(ctx, TrainingExample{Encoding: encode("zz == 99"), Feasible: false})
		assert.Equal(t, Result{Verdict: Unknown}, c.Classify(ctx, encode("x > 0")))
	})

	t.Run("nil query", func(t *testing.T) {
		c := newKNN(t, 1, nil)
		c.Train(ctx, TrainingExample{Encoding: encode("x > 0"), Feasible: false})
		assert.Equal(t, Unknown, c.Classify(ctx, nil).Verdict)
	})
}

func TestClassify_GeneralOnlyRelation(t *testing.T) {
	ctx := context.Background()
	c := newKNN(t, 1, nil)
	ex := testEncoder.Encode(encoding.Slices{
		SpecificCore: []string{"a > 5"},
		GeneralCore:  []string{"SYM > NUM"},
	})
	c.Train(ctx, TrainingExample{Encoding: ex, Feasible: false})

	q := testEncoder.Encode(encoding.Slices{
		SpecificCore: []string{"b > 7"},
		GeneralCore:  []string{"SYM > NUM"},
	})
	require.False(t, q.CoreContains(ex, true))
	assert.Equal(t, Result{Verdict: Infeasible, Voting: 1}, c.Classify(ctx, q))
}

func TestClassify_SpecificRanksAboveGeneral(t *testing.T) {
	ctx := context.Background()
	c := newKNN(t, 1, nil)

	// General-only feasible neighbor scores 2+sim; specific infeasible
	// neighbor scores 3+sim and must win the single vote.
	general := testEncoder.Encode(encoding.Slices{
		SpecificCore: []string{"a > 5"},
		GeneralCore:  []string{"SYM > NUM"},
	})
	specific := testEncoder.Encode(encoding.Slices{
		SpecificCore: []string{"b > 7"},
		GeneralCore:  []string{"SYM > NUM"},
	})
	c.Train(ctx,
		TrainingExample{Encoding: general, Feasible: true},
		TrainingExample{Encoding: specific, Feasible: false},
	)

	q := testEncoder.Encode(encoding.Slices{
		SpecificCore: []string{"b > 7"},
		GeneralCore:  []string{"SYM > NUM"},
	})
	assert.Equal(t, Result{Verdict: Infeasible, Voting: 1}, c.Classify(ctx, q))
}

func TestClassify_MarginRule(t *testing.T) {
	ctx := context.Background()
	query := encode("x > 0", "y < 2", "z != 3")

	t.Run("two infeasible and one uncertain", func(t *testing.T) {
		c := newKNN(t, 3, nil)
		c.Train(ctx,
			TrainingExample{Encoding: encode("x > 0"), Feasible: false},
			TrainingExample{Encoding: encode("y < 2"), Feasible: false},
			TrainingExample{Encoding: encode("zz == 99"), Feasible: false},
		)
		assert.Equal(t, Result{Verdict: Infeasible, Voting: 2}, c.Classify(ctx, query))
	})

	t.Run("one each is unknown", func(t *testing.T) {
		c := newKNN(t, 3, nil)
		c.Train(ctx,
			TrainingExample{Encoding: encode("x > 0"), Feasible: false},
			TrainingExample{Encoding: encode("x > 0", "y < 2", "z != 3", "w > 1"), Feasible: true},
			TrainingExample{Encoding: encode("zz == 99"), Feasible: false},
		)
		assert.Equal(t, Unknown, c.Classify(ctx, query).Verdict)
	})
}

func TestVote(t *testing.T) {
	tests := []struct {
		name                            string
		uncertain, feasible, infeasible int
		want                            Result
	}{
		{"all uncertain", 3, 0, 0, Result{Verdict: Unknown}},
		{"tie", 0, 2, 2, Result{Verdict: Unknown}},
		{"clean feasible", 0, 3, 0, Result{Verdict: Feasible, Voting: 3}},
		{"feasible with margin", 1, 3, 1, Result{Verdict: Feasible, Voting: 3}},
		{"feasible without margin", 1, 2, 1, Result{Verdict: Unknown}},
		{"infeasible with margin", 0, 1, 2, Result{Verdict: Infeasible, Voting: 2}},
		{"uncertain dominates", 3, 2, 0, Result{Verdict: Unknown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, vote(tt.uncertain, tt.feasible, tt.infeasible))
		})
	}
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	sink := &AccuracyCounter{}
	c := newKNN(t, 1, sink)

	c.Train(ctx, TrainingExample{Encoding: encode("x > 0", "y < 2"), Feasible: true})
	c.Audit(ctx, Result{Verdict: Feasible, Voting: 1}, true)
	assert.Zero(t, sink.Snapshot().Total, "no infeasible example yet")

	c.Train(ctx, TrainingExample{Encoding: encode("zz == 99"), Feasible: false})
	before := c.Classify(ctx, encode("x > 0"))
	c.Audit(ctx, Result{Verdict: Feasible, Voting: 1}, true)
	c.Audit(ctx, Result{Verdict: Infeasible, Voting: 1}, true)
	c.Audit(ctx, Result{Verdict: Unknown}, false)

	snap := sink.Snapshot()
	assert.Equal(t, int64(3), snap.Total)
	assert.Equal(t, int64(1), snap.Correct)
	assert.Equal(t, int64(1), snap.FalseInfeasible)
	assert.Equal(t, int64(1), snap.Unknown)
	assert.InDelta(t, 0.5, snap.Accuracy(), 1e-9)
	assert.Equal(t, before, c.Classify(ctx, encode("x > 0")))
}

func TestKNN_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := newKNN(t, 2, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Train(ctx, TrainingExample{Encoding: encode("x > 0"), Feasible: false})
		}()
		go func() {
			defer wg.Done()
			_ = c.Classify(ctx, encode("x > 0", "y < 2"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Size())
}
