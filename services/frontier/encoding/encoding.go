// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package encoding fingerprints path conditions into fixed-size bit vectors
// for approximate similarity and containment tests.
package encoding

import (
	"hash/fnv"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/AleutianAI/frontier/services/frontier/datatypes"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

const (
	// DefaultContextLength is the number of bits in the context vector.
	DefaultContextLength = 64

	// DefaultCoreLength is the number of bits in each core vector.
	DefaultCoreLength = 128
)

// DefaultPrimes seed the hash functions. One bit is set per prime per clause.
var DefaultPrimes = []uint32{7, 11, 13}

// Config sizes the bit vectors and selects the hash seeds.
type Config struct {
	// ContextLength is the context vector size in bits.
	ContextLength uint

	// CoreLength is the size in bits of the specific and general core vectors.
	CoreLength uint

	// Primes are the hash seeds.
	Primes []uint32
}

// DefaultConfig returns the standard vector geometry.
func DefaultConfig() Config {
	return Config{
		ContextLength: DefaultContextLength,
		CoreLength:    DefaultCoreLength,
		Primes:        append([]uint32(nil), DefaultPrimes...),
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ContextLength == 0 {
		c.ContextLength = d.ContextLength
	}
	if c.CoreLength == 0 {
		c.CoreLength = d.CoreLength
	}
	if len(c.Primes) == 0 {
		c.Primes = d.Primes
	}
	return c
}

// -----------------------------------------------------------------------------
// Slicing contract
// -----------------------------------------------------------------------------

// Slices is the normalized form of a path condition. Specific entries carry
// concrete literal text; general entries are the abstracted equivalents.
type Slices struct {
	SpecificContext []string
	GeneralContext  []string
	SpecificCore    []string
	GeneralCore     []string
}

// Slicer reduces a path condition to its normalized slices.
type Slicer interface {
	Slice(path datatypes.PathCondition) Slices
}

// -----------------------------------------------------------------------------
// Encoder
// -----------------------------------------------------------------------------

// Encoder builds Encodings with a fixed geometry.
//
// Thread Safety: Safe for concurrent use.
type Encoder struct {
	cfg Config
}

// NewEncoder creates an Encoder. Zero fields of cfg take their defaults.
func NewEncoder(cfg Config) *Encoder {
	return &Encoder{cfg: cfg.normalized()}
}

// Encode builds the Encoding of already sliced clauses.
//
// Description:
//
//	For every clause string and every prime p, the bit
//	mix(31*p + hash(clause)) mod length is set. Specific and general context
//	strings set bits in the same context vector. Specific and general core
//	strings set bits in separate vectors.
func (e *Encoder) Encode(s Slices) *Encoding {
	enc := &Encoding{
		context:      bitset.New(e.cfg.ContextLength),
		specificCore: bitset.New(e.cfg.CoreLength),
		generalCore:  bitset.New(e.cfg.CoreLength),
	}
	e.fill(enc.context, e.cfg.ContextLength, s.SpecificContext)
	e.fill(enc.context, e.cfg.ContextLength, s.GeneralContext)
	e.fill(enc.specificCore, e.cfg.CoreLength, s.SpecificCore)
	e.fill(enc.generalCore, e.cfg.CoreLength, s.GeneralCore)
	return enc
}

// EncodePath slices path with slicer and encodes the result.
func (e *Encoder) EncodePath(slicer Slicer, path datatypes.PathCondition) *Encoding {
	return e.Encode(slicer.Slice(path))
}

func (e *Encoder) fill(b *bitset.BitSet, length uint, clauses []string) {
	for _, c := range clauses {
		h := stringHash(c)
		for _, p := range e.cfg.Primes {
			b.Set(uint(mix(31*p+h)) % length)
		}
	}
}

// stringHash is 32-bit FNV-1a.
func stringHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// mix spreads entropy from the high bits into the low bits, which are the
// ones that survive the modulo.
func mix(h uint32) uint32 {
	h ^= (h >> 20) ^ (h >> 12)
	return h ^ (h >> 7) ^ (h >> 4)
}

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

// Encoding is the bit-vector fingerprint of one path condition.
//
// An Encoding is immutable after construction.
type Encoding struct {
	context      *bitset.BitSet
	specificCore *bitset.BitSet
	generalCore  *bitset.BitSet
}

// ContextSimilarity returns the Jaccard coefficient of the two context
// vectors. It returns 0 when other is nil and when both vectors are empty.
func (e *Encoding) ContextSimilarity(other *Encoding) float64 {
	if e == nil || other == nil {
		return 0
	}
	union := e.context.UnionCardinality(other.context)
	if union == 0 {
		return 0
	}
	inter := e.context.IntersectionCardinality(other.context)
	return float64(inter) / float64(union)
}

// CoreContains reports whether this core is a bitwise superset of other's.
// specific selects the specific or the general core.
func (e *Encoding) CoreContains(other *Encoding, specific bool) bool {
	if e == nil || other == nil {
		return false
	}
	if specific {
		return e.specificCore.IsSuperSet(other.specificCore)
	}
	return e.generalCore.IsSuperSet(other.generalCore)
}

// Equal reports structural equality over all vectors.
func (e *Encoding) Equal(other *Encoding) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.context.Equal(other.context) &&
		e.specificCore.Equal(other.specificCore) &&
		e.generalCore.Equal(other.generalCore)
}

// Key returns a string that is equal for two Encodings iff Equal holds.
func (e *Encoding) Key() string {
	if e == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(e.context.String())
	sb.WriteByte('/')
	sb.WriteString(e.specificCore.String())
	sb.WriteByte('/')
	sb.WriteString(e.generalCore.String())
	return sb.String()
}

// ContextBits returns the number of bits set in the context vector.
func (e *Encoding) ContextBits() uint { return e.context.Count() }

// CoreBits returns the number of bits set in the selected core vector.
func (e *Encoding) CoreBits(specific bool) uint {
	if specific {
		return e.specificCore.Count()
	}
	return e.generalCore.Count()
}
