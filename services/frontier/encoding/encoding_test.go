// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package encoding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slices(core ...string) Slices {
	return Slices{
		SpecificContext: core,
		GeneralContext:  core,
		SpecificCore:    core,
		GeneralCore:     core,
	}
}

func TestEncode_Deterministic(t *testing.T) {
	enc := NewEncoder(Config{})
	a := enc.Encode(slices("x > 0", "y < 3"))
	b := enc.Encode(slices("x > 0", "y < 3"))

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.NotZero(t, a.ContextBits())
	assert.LessOrEqual(t, a.CoreBits(true), uint(2*len(DefaultPrimes)))
}

func TestCoreContains_Reflexive(t *testing.T) {
	enc := NewEncoder(DefaultConfig())
	for i := 0; i < 50; i++ {
		e := enc.Encode(slices(fmt.Sprintf("v%d > %d", i, i*7)))
		assert.True(t, e.CoreContains(e, true))
		assert.True(t, e.CoreContains(e, false))
	}
}

func TestCoreContains_Inclusion(t *testing.T) {
	enc := NewEncoder(DefaultConfig())
	big := enc.Encode(slices("a > 0", "b > 1", "c > 2"))
	small := enc.Encode(slices("b > 1"))
	other := enc.Encode(slices("zz != 42", "qq == 13", "rr < 9", "ss > 100"))

	assert.True(t, big.CoreContains(small, true))
	assert.True(t, big.CoreContains(small, false))
	assert.False(t, small.CoreContains(big, true))

	// Repeated calls agree.
	first := small.CoreContains(other, true)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, small.CoreContains(other, true))
	}
	assert.False(t, big.CoreContains(nil, true))
}

func TestCoreContains_SpecificAndGeneralAreSeparate(t *testing.T) {
	enc := NewEncoder(DefaultConfig())
	a := enc.Encode(Slices{SpecificCore: []string{"x > 0"}, GeneralCore: []string{"SYM > NUM"}})
	b := enc.Encode(Slices{SpecificCore: []string{"y > 5"}, GeneralCore: []string{"SYM > NUM"}})

	assert.True(t, a.CoreContains(b, false))
	assert.True(t, b.CoreContains(a, false))
	assert.Equal(t, a.CoreContains(b, true), a.specificCore.IsSuperSet(b.specificCore))
}

func TestContextSimilarity(t *testing.T) {
	enc := NewEncoder(DefaultConfig())
	a := enc.Encode(slices("a > 0", "b > 1"))
	b := enc.Encode(slices("b > 1", "c > 2"))
	empty := enc.Encode(Slices{})

	t.Run("symmetric and bounded", func(t *testing.T) {
		ab := a.ContextSimilarity(b)
		assert.Equal(t, ab, b.ContextSimilarity(a))
		assert.GreaterOrEqual(t, ab, 0.0)
		assert.LessOrEqual(t, ab, 1.0)
	})

	t.Run("self similarity is one", func(t *testing.T) {
		assert.Equal(t, 1.0, a.ContextSimilarity(a))
	})

	t.Run("nil other is zero", func(t *testing.T) {
		assert.Equal(t, 0.0, a.ContextSimilarity(nil))
	})

	t.Run("all zero against all zero is zero", func(t *testing.T) {
		require.Zero(t, empty.ContextBits())
		assert.Equal(t, 0.0, empty.ContextSimilarity(empty))
		assert.Equal(t, 0.0, empty.ContextSimilarity(a))
	})
}

func TestContextSimilarity_ManyPairs(t *testing.T) {
	enc := NewEncoder(DefaultConfig())
	var encs []*Encoding
	for i := 0; i < 20; i++ {
		encs = append(encs, enc.Encode(slices(fmt.Sprintf("x%d > 0", i), fmt.Sprintf("y < %d", i%3))))
	}
	for _, a := range encs {
		for _, b := range encs {
			s := a.ContextSimilarity(b)
			assert.Equal(t, s, b.ContextSimilarity(a))
			assert.True(t, s >= 0 && s <= 1, "similarity %f out of range", s)
		}
	}
}

func TestEqual_Nil(t *testing.T) {
	var a, b *Encoding
	assert.True(t, a.Equal(b))
	assert.False(t, NewEncoder(Config{}).Encode(slices("x")).Equal(nil))
	assert.Equal(t, "", a.Key())
}

func TestMix(t *testing.T) {
	// Nearby inputs must spread to different low bits.
	seen := make(map[uint32]struct{})
	for i := uint32(0); i < 64; i++ {
		seen[mix(i<<16)%DefaultCoreLength] = struct{}{}
	}
	assert.Greater(t, len(seen), 8)
}
