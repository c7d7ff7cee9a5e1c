// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	coveragePrefix = "cov/"
	savedAtKey     = "meta/saved_at"
)

// CoverageStore saves and loads branch hit counts.
//
// Thread Safety: Safe for concurrent use.
type CoverageStore struct {
	db *DB
}

// NewCoverageStore creates a store backed by db.
func NewCoverageStore(db *DB) *CoverageStore {
	return &CoverageStore{db: db}
}

// Save replaces the stored hit counts with hits.
//
// Description:
//
//	Stored branches absent from hits are deleted. Writes go through a
//	WriteBatch, which splits large maps over several transactions.
func (s *CoverageStore) Save(ctx context.Context, hits map[string]int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	stale, err := s.keys(ctx)
	if err != nil {
		return err
	}

	wb := s.db.db.NewWriteBatch()
	defer wb.Cancel()
	for _, branch := range stale {
		if hits[branch] > 0 {
			continue
		}
		if err := wb.Delete([]byte(coveragePrefix + branch)); err != nil {
			return fmt.Errorf("delete branch %q: %w", branch, err)
		}
	}
	for branch, n := range hits {
		if n <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		if err := wb.Set([]byte(coveragePrefix+branch), encodeCount(n)); err != nil {
			return fmt.Errorf("write branch %q: %w", branch, err)
		}
	}
	stamp, err := time.Now().UTC().MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode timestamp: %w", err)
	}
	if err := wb.Set([]byte(savedAtKey), stamp); err != nil {
		return fmt.Errorf("write timestamp: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush coverage: %w", err)
	}
	return nil
}

// Load returns the stored hit counts. An empty store yields an empty map.
func (s *CoverageStore) Load(ctx context.Context) (map[string]int, error) {
	hits := make(map[string]int)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(coveragePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			branch := string(item.Key()[len(coveragePrefix):])
			if err := item.Value(func(val []byte) error {
				n, err := decodeCount(val)
				if err != nil {
					return fmt.Errorf("branch %q: %w", branch, err)
				}
				hits[branch] = n
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load coverage: %w", err)
	}
	return hits, nil
}

func (s *CoverageStore) keys(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(coveragePrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().Key()[len(coveragePrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list coverage: %w", err)
	}
	return out, nil
}

// SavedAt returns when Save last completed. ok is false if never.
func (s *CoverageStore) SavedAt(ctx context.Context) (at time.Time, ok bool, err error) {
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(savedAtKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return item.Value(func(val []byte) error {
			return at.UnmarshalBinary(val)
		})
	})
	return at, ok, err
}

func encodeCount(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func decodeCount(b []byte) (int, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("bad count length %d", len(b))
	}
	return int(binary.BigEndian.Uint64(b)), nil
}
