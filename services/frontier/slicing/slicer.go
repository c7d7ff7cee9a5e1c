// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package slicing reduces a path condition to the normalized clause strings
// consumed by the path encoder.
//
// The infeasibility core of a path condition is approximated by a dependency
// slice: the frontier clause together with every clause that transitively
// shares a symbol with it. The context is the window of most recent decisions.
// Each clause is rendered twice: a specific form (the literal text with
// whitespace normalized) and a general form where symbols and numeric
// literals are replaced by placeholders.
package slicing

import (
	"regexp"
	"strings"

	"github.com/AleutianAI/frontier/services/frontier/datatypes"
	"github.com/AleutianAI/frontier/services/frontier/encoding"
)

// DefaultContextWindow is the number of trailing clauses kept as context.
const DefaultContextWindow = 8

const (
	symbolPlaceholder = "SYM"
	numberPlaceholder = "NUM"
	stringPlaceholder = "STR"
)

var (
	// Bracketed symbols ({V3}, {ROOT}:this.f) come first so their inner
	// identifiers are not matched separately.
	symbolPattern = regexp.MustCompile(`\{[^{}]+\}(?::[A-Za-z_$][A-Za-z0-9_$.]*)?|\b[A-Za-z_][A-Za-z0-9_$.]*`)
	numberPattern = regexp.MustCompile(`-?\b\d+(?:\.\d+)?(?:[eE][+-]?\d+)?[LlFfDd]?\b`)
	stringPattern = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// keywords are identifier-shaped tokens that are not symbols.
var keywords = map[string]struct{}{
	"true": {}, "false": {}, "null": {}, "instanceof": {},
	"and": {}, "or": {}, "not": {},
}

// Slicer is the default encoding.Slicer.
//
// Thread Safety: Safe for concurrent use; it holds no mutable state.
type Slicer struct {
	window int
}

// New creates a Slicer keeping the last window clauses as context.
// A non-positive window selects DefaultContextWindow.
func New(window int) *Slicer {
	if window <= 0 {
		window = DefaultContextWindow
	}
	return &Slicer{window: window}
}

// Slice implements encoding.Slicer.
func (s *Slicer) Slice(path datatypes.PathCondition) encoding.Slices {
	n := len(path)
	if n == 0 {
		return encoding.Slices{}
	}

	specific := make([]string, n)
	general := make([]string, n)
	symbols := make([]map[string]struct{}, n)
	for i, c := range path {
		specific[i] = Specific(c)
		general[i] = General(c)
		symbols[i] = Symbols(c)
	}

	var out encoding.Slices
	for _, i := range coreIndexes(symbols) {
		out.SpecificCore = append(out.SpecificCore, specific[i])
		out.GeneralCore = append(out.GeneralCore, general[i])
	}

	start := n - s.window
	if start < 0 {
		start = 0
	}
	out.SpecificContext = append(out.SpecificContext, specific[start:]...)
	out.GeneralContext = append(out.GeneralContext, general[start:]...)
	return out
}

// coreIndexes returns, root-first, the indexes of the clauses connected to
// the last clause through shared symbols.
func coreIndexes(symbols []map[string]struct{}) []int {
	last := len(symbols) - 1
	inCore := make([]bool, len(symbols))
	inCore[last] = true
	reached := make(map[string]struct{}, len(symbols[last]))
	for sym := range symbols[last] {
		reached[sym] = struct{}{}
	}

	for changed := true; changed; {
		changed = false
		for i := last - 1; i >= 0; i-- {
			if inCore[i] || !intersects(symbols[i], reached) {
				continue
			}
			inCore[i] = true
			changed = true
			for sym := range symbols[i] {
				reached[sym] = struct{}{}
			}
		}
	}

	idx := make([]int, 0, len(symbols))
	for i, ok := range inCore {
		if ok {
			idx = append(idx, i)
		}
	}
	return idx
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// Specific returns the clause text with whitespace collapsed.
func Specific(c datatypes.Clause) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(string(c), " "))
}

// General returns the clause with string literals, symbols and numeric
// literals replaced by placeholders.
func General(c datatypes.Clause) string {
	text := stringPattern.ReplaceAllString(Specific(c), stringPlaceholder)
	text = symbolPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if _, ok := keywords[tok]; ok || tok == stringPlaceholder {
			return tok
		}
		return symbolPlaceholder
	})
	return numberPattern.ReplaceAllString(text, numberPlaceholder)
}

// Symbols returns the set of symbol tokens mentioned by the clause.
func Symbols(c datatypes.Clause) map[string]struct{} {
	text := stringPattern.ReplaceAllString(string(c), "")
	out := make(map[string]struct{})
	for _, tok := range symbolPattern.FindAllString(text, -1) {
		if _, ok := keywords[tok]; ok {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

var _ encoding.Slicer = (*Slicer)(nil)
