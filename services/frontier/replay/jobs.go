// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package replay

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/frontier/services/frontier/datatypes"
	"github.com/AleutianAI/frontier/services/frontier/pipeline"
)

// Registrar is the tree side of the explorer.
type Registrar interface {
	Insert(entry string, path datatypes.PathCondition, covered, neighbors []string)
}

// Marker is the tree side of the generator.
type Marker interface {
	MarkCovered(branches ...string) []string
}

// Learner is the buffer side of the generator.
type Learner interface {
	LearnCoverageForImprovability(branches ...string)
	LearnCoverageForNovelty(branches ...string)
	LearnPathCondition(ctx context.Context, entry string, path datatypes.PathCondition, solved bool) int
}

// Explorer returns the job that registers each record in the tree and
// hands it to the output buffer as an item.
func Explorer(tree Registrar) pipeline.JobFunc[Record, *datatypes.Item] {
	return func(ctx context.Context, batch []Record, out pipeline.OutputBuffer[*datatypes.Item]) error {
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := rec.Item()
			tree.Insert(rec.Entry, item.Path, rec.Covered, rec.Neighbors)
			if !out.Add(item) {
				return fmt.Errorf("buffer rejected state %s", rec.ID)
			}
		}
		return nil
	}
}

// Generator returns the job that "runs" each scheduled state: it marks the
// recorded coverage in the tree, reports it to the buffer and trains the
// classifier with the recorded solver verdict.
//
// Improvability learns only the branches covered for the first time.
// Novelty learns every covered branch since hit counts changed for all of
// them.
func Generator(tree Marker, learner Learner) pipeline.JobFunc[*datatypes.Item, Outcome] {
	return func(ctx context.Context, batch []*datatypes.Item, out pipeline.OutputBuffer[Outcome]) error {
		for _, item := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, ok := item.Payload.(Record)
			if !ok {
				return fmt.Errorf("item %s has no trace record", item.ID)
			}
			fresh := tree.MarkCovered(rec.Covered...)
			learner.LearnCoverageForImprovability(fresh...)
			learner.LearnCoverageForNovelty(rec.Covered...)
			trained := learner.LearnPathCondition(ctx, item.Entry, item.Path, rec.Solved)
			out.Add(Outcome{
				ID:          item.ID,
				Entry:       item.Entry,
				Solved:      rec.Solved,
				NewBranches: len(fresh),
				Trained:     trained,
			})
		}
		return nil
	}
}

// Outcome is the generator's report for one state.
type Outcome struct {
	ID          string
	Entry       string
	Solved      bool
	NewBranches int
	Trained     int
}

// TallySnapshot is a copy of the Tally counters.
type TallySnapshot struct {
	Processed   int      `json:"processed"`
	Solved      int      `json:"solved"`
	Refuted     int      `json:"refuted"`
	NewBranches int      `json:"new_branches"`
	Trained     int      `json:"trained"`
	Order       []string `json:"-"`
}

// Tally is the terminal output buffer. It counts outcomes and keeps the
// order in which states were consumed.
//
// Thread Safety: Safe for concurrent use.
type Tally struct {
	mu   sync.Mutex
	snap TallySnapshot
}

// Add implements pipeline.OutputBuffer.
func (t *Tally) Add(o Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Processed++
	if o.Solved {
		t.snap.Solved++
	} else {
		t.snap.Refuted++
	}
	t.snap.NewBranches += o.NewBranches
	t.snap.Trained += o.Trained
	t.snap.Order = append(t.snap.Order, o.ID)
	return true
}

// Snapshot returns the current counters.
func (t *Tally) Snapshot() TallySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snap
	s.Order = append([]string(nil), t.snap.Order...)
	return s
}
