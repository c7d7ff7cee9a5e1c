// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathCondition_Key(t *testing.T) {
	a := PathCondition{"x > 0", "y < 1"}
	b := PathCondition{"x > 0", "y < 1"}
	c := PathCondition{"x > 0y < 1"}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, "", PathCondition{}.Key())
}

func TestPathCondition_Prefix(t *testing.T) {
	p := PathCondition{"a", "b", "c"}

	assert.Equal(t, PathCondition{"a", "b"}, p.Prefix(2))
	assert.Equal(t, p, p.Prefix(10))
	assert.Empty(t, p.Prefix(0))
}

func TestPathCondition_LastAndString(t *testing.T) {
	p := PathCondition{"a", "b"}
	assert.Equal(t, Clause("b"), p.Last())
	assert.Equal(t, Clause(""), PathCondition{}.Last())
	assert.Equal(t, "a && b", p.String())
}

func TestNewItem(t *testing.T) {
	it := NewItem("id-1", "pkg.Foo:()V", "x > 0", "y == 2")

	assert.Equal(t, "pkg.Foo:()V", it.EntryPoint())
	assert.Equal(t, PathCondition{"x > 0", "y == 2"}, it.PathCondition())
}
