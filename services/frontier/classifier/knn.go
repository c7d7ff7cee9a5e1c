// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier predicts whether a path condition is feasible using a
// k-nearest-neighbor vote over encoded infeasibility cores.
package classifier

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/frontier/services/frontier/encoding"
)

var meter = otel.Meter("frontier.classifier")

// ErrInvalidConfig is returned for a malformed classifier configuration.
var ErrInvalidConfig = errors.New("classifier: invalid config")

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Verdict is the outcome of a classification.
type Verdict int

const (
	// Unknown means the training set gives no decisive evidence.
	Unknown Verdict = iota
	// Feasible predicts the path condition has a solution.
	Feasible
	// Infeasible predicts the path condition has no solution.
	Infeasible
)

// String returns the lowercase verdict name.
func (v Verdict) String() string {
	switch v {
	case Feasible:
		return "feasible"
	case Infeasible:
		return "infeasible"
	default:
		return "unknown"
	}
}

// Result is a verdict and the number of neighbors that voted for it.
// Voting is zero for Unknown.
type Result struct {
	Verdict Verdict
	Voting  int
}

// TrainingExample is an encoded path condition labeled by the solver.
type TrainingExample struct {
	Encoding *encoding.Encoding
	Feasible bool
}

// Config tunes the classifier.
type Config struct {
	// K is the number of neighbors that vote. Must be at least 1.
	K int

	// SpecificScore is the base score of a neighbor whose specific core
	// satisfies the containment relation.
	SpecificScore float64

	// GeneralFeasibleScore is the base score of a feasible neighbor related
	// only through the general core.
	GeneralFeasibleScore float64

	// GeneralInfeasibleScore is the base score of an infeasible neighbor
	// related only through the general core.
	GeneralInfeasibleScore float64
}

// DefaultConfig returns the standard scoring constants with the given k.
func DefaultConfig(k int) Config {
	return Config{
		K:                      k,
		SpecificScore:          3,
		GeneralFeasibleScore:   2,
		GeneralInfeasibleScore: 1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidConfig, c.K)
	}
	if c.SpecificScore <= 0 || c.GeneralFeasibleScore <= 0 || c.GeneralInfeasibleScore <= 0 {
		return fmt.Errorf("%w: neighbor scores must be positive", ErrInvalidConfig)
	}
	return nil
}

// -----------------------------------------------------------------------------
// KNN
// -----------------------------------------------------------------------------

// KNN is an online k-nearest-neighbor feasibility classifier.
//
// Description:
//
//	Training examples accumulate without eviction; duplicates (by encoding)
//	collapse. A feasible example is related to a query when the example's
//	core contains the query's core. An infeasible example is related when
//	the query's core contains the example's core. Related neighbors are
//	ranked by relation strength plus context similarity and the top k vote.
//
// Thread Safety: Safe for concurrent use. Classify takes a read lock, Train
// takes the write lock.
type KNN struct {
	cfg    Config
	sink   MetricsSink
	logger *slog.Logger

	mu         sync.RWMutex
	examples   map[string]TrainingExample
	infeasible int

	metricsOnce     sync.Once
	classifications metric.Int64Counter
	trained         metric.Int64Counter
}

// New creates a classifier.
//
// Inputs:
//
//	cfg - Scoring configuration. Must pass Validate.
//	sink - Receives ground-truth comparisons from Audit. May be nil.
//	logger - If nil, uses slog.Default().
func New(cfg Config, sink MetricsSink, logger *slog.Logger) (*KNN, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KNN{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		examples: make(map[string]TrainingExample),
	}, nil
}

func (k *KNN) initMetrics() {
	k.metricsOnce.Do(func() {
		var err error
		k.classifications, err = meter.Int64Counter("frontier_classifier_classifications_total",
			metric.WithDescription("Classifications by verdict"),
		)
		if err != nil {
			k.logger.Error("failed to create classifier metric", slog.String("error", err.Error()))
		}
		k.trained, err = meter.Int64Counter("frontier_classifier_training_examples_total",
			metric.WithDescription("Distinct training examples added"),
		)
		if err != nil {
			k.logger.Error("failed to create classifier metric", slog.String("error", err.Error()))
		}
	})
}

// K returns the number of voting neighbors.
func (k *KNN) K() int { return k.cfg.K }

// Train merges examples into the training set and returns how many were new.
// Examples with a nil encoding are ignored.
func (k *KNN) Train(ctx context.Context, examples ...TrainingExample) int {
	k.initMetrics()

	k.mu.Lock()
	added := 0
	for _, ex := range examples {
		if ex.Encoding == nil {
			continue
		}
		key := trainingKey(ex)
		if _, ok := k.examples[key]; ok {
			continue
		}
		k.examples[key] = ex
		if !ex.Feasible {
			k.infeasible++
		}
		added++
	}
	k.mu.Unlock()

	if added > 0 && k.trained != nil {
		k.trained.Add(ctx, int64(added))
	}
	return added
}

// trainingKey identifies an example by its vectors and label. The same
// encoding may appear once with each label.
func trainingKey(ex TrainingExample) string {
	if ex.Feasible {
		return "F" + ex.Encoding.Key()
	}
	return "I" + ex.Encoding.Key()
}

// Size returns the number of distinct training examples.
func (k *KNN) Size() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.examples)
}

// InfeasibleCount returns the number of infeasible training examples.
func (k *KNN) InfeasibleCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.infeasible
}

type neighbor struct {
	score    float64
	sim      float64
	key      string
	feasible bool
}

// Classify predicts the feasibility of query.
//
// Description:
//
//	With fewer than k training examples the result is Unknown. Otherwise the
//	top k neighbors are counted as uncertain (score 0), feasible or
//	infeasible. A label wins only when its count strictly exceeds the
//	uncertain count plus the opposing count; ties are Unknown.
func (k *KNN) Classify(ctx context.Context, query *encoding.Encoding) Result {
	k.initMetrics()
	res := k.classify(query)
	if k.classifications != nil {
		k.classifications.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", res.Verdict.String())))
	}
	return res
}

func (k *KNN) classify(query *encoding.Encoding) Result {
	k.mu.RLock()
	if query == nil || len(k.examples) < k.cfg.K {
		k.mu.RUnlock()
		return Result{Verdict: Unknown}
	}
	scored := make([]neighbor, 0, len(k.examples))
	for key, ex := range k.examples {
		scored = append(scored, k.score(key, ex, query))
	}
	k.mu.RUnlock()

	slices.SortFunc(scored, func(a, b neighbor) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.sim, a.sim); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})

	var uncertain, feasible, infeasible int
	for _, n := range scored[:k.cfg.K] {
		switch {
		case n.score == 0:
			uncertain++
		case n.feasible:
			feasible++
		default:
			infeasible++
		}
	}
	return vote(uncertain, feasible, infeasible)
}

func (k *KNN) score(key string, ex TrainingExample, query *encoding.Encoding) neighbor {
	n := neighbor{key: key, feasible: ex.Feasible}
	sim := ex.Encoding.ContextSimilarity(query)

	related := func(specific bool) bool {
		if ex.Feasible {
			return ex.Encoding.CoreContains(query, specific)
		}
		return query.CoreContains(ex.Encoding, specific)
	}

	switch {
	case related(true):
		n.score = k.cfg.SpecificScore + sim
	case related(false):
		if ex.Feasible {
			n.score = k.cfg.GeneralFeasibleScore + sim
		} else {
			n.score = k.cfg.GeneralInfeasibleScore + sim
		}
	}
	if n.score > 0 {
		n.sim = sim
	}
	return n
}

// vote applies the strict-majority-with-margin rule.
func vote(uncertain, feasible, infeasible int) Result {
	switch {
	case feasible == infeasible:
		return Result{Verdict: Unknown}
	case feasible > infeasible && feasible > uncertain+infeasible:
		return Result{Verdict: Feasible, Voting: feasible}
	case infeasible > feasible && infeasible > uncertain+feasible:
		return Result{Verdict: Infeasible, Voting: infeasible}
	default:
		return Result{Verdict: Unknown}
	}
}

// Audit compares a prediction with the solver's answer and reports it to
// the metrics sink. Nothing is reported until the training set holds at
// least one infeasible example. Audit never changes classifier state.
func (k *KNN) Audit(ctx context.Context, predicted Result, actualFeasible bool) {
	if k.sink == nil || k.InfeasibleCount() == 0 {
		return
	}
	k.sink.Observe(ctx, predicted.Verdict, actualFeasible)
	if predicted.Verdict != Unknown && (predicted.Verdict == Feasible) != actualFeasible {
		k.logger.Debug("classifier mispredicted",
			slog.String("predicted", predicted.Verdict.String()),
			slog.Bool("actual_feasible", actualFeasible),
			slog.Int("voting", predicted.Voting),
		)
	}
}
