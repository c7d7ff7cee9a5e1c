// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package buffer implements the prioritized multi-queue buffer that sits
// between the symbolic executor and the test generator.
//
// Items are ranked into FIFO queues by up to three heuristics:
// improvability (uncovered neighbor branches), novelty (rarely hit covered
// branches) and infeasibility (a kNN prediction of whether the path
// condition is solvable). Consumers draw from a queue chosen at random with
// fixed weights, so better queues are served more often without starving
// the others.
package buffer

import (
	"container/list"
	"context"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/frontier/services/frontier/classifier"
	"github.com/AleutianAI/frontier/services/frontier/datatypes"
)

var (
	tracer = otel.Tracer("frontier.buffer")
	meter  = otel.Meter("frontier.buffer")
)

// Chooser picks a rank position given the weights of the queue table,
// best first. It returns a 0-based index into weights.
type Chooser func(weights []int) int

// WeightedChooser draws a rank with probability proportional to its weight.
func WeightedChooser(weights []int) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	r := rand.IntN(total)
	sum := 0
	for i, w := range weights {
		sum += w
		if r < sum {
			return i
		}
	}
	return len(weights) - 1
}

// Option configures a Buffer.
type Option func(*options)

type options struct {
	classifier *classifier.KNN
	sink       classifier.MetricsSink
	chooser    Chooser
	logger     *slog.Logger
}

// WithClassifier supplies the classifier instead of building one from
// Config.K.
func WithClassifier(c *classifier.KNN) Option {
	return func(o *options) { o.classifier = c }
}

// WithMetricsSink sets the ground-truth sink of the classifier built by New.
func WithMetricsSink(s classifier.MetricsSink) Option {
	return func(o *options) { o.sink = s }
}

// WithChooser replaces the weighted random rank choice.
func WithChooser(c Chooser) Option {
	return func(o *options) { o.chooser = c }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Stats is a snapshot of the buffer.
type Stats struct {
	Queues         map[int]int `json:"queues"`
	Items          int         `json:"items"`
	TrainingSize   int         `json:"training_size"`
	TrainingGrowth int         `json:"training_growth"`
	PendingImprov  int         `json:"pending_improvability_branches"`
	PendingNovelty int         `json:"pending_novelty_branches"`
	Heuristics     []string    `json:"heuristics"`
}

// ReclassifyResult reports what a reclassification pass did.
type ReclassifyResult struct {
	// Ran is false when the pass had nothing to do.
	Ran bool
	// Visited is the number of items whose index was recomputed.
	Visited int
	// Moved is the number of items that changed queue.
	Moved int
}

// Buffer is the prioritized multi-queue scheduling channel.
//
// Description:
//
//	Add ranks an item and appends it to one queue. PollN chooses a rank at
//	random and serves from that rank downward, then after at most one
//	sleep from the ranks above it. The Update*AndReclassify passes
//	recompute one heuristic for the affected items and move the ones whose
//	queue changed.
//
// Thread Safety: Safe for concurrent use. The buffer mutex guards queue
// membership, the pending coverage sets and the training growth counter.
// Reclassification passes hold the buffer mutex and then the tree's lock.
type Buffer[T datatypes.WorkItem] struct {
	cfg     Config
	tree    TreeStore
	knn     *classifier.KNN
	chooser Chooser
	logger  *slog.Logger

	table      queueTable
	infeas     *infeasibilityMap
	improvPat  *regexp.Regexp
	noveltyPat *regexp.Regexp

	mu             sync.Mutex
	queues         map[int]*list.List
	size           int
	pendingImprov  map[string]struct{}
	pendingNovelty map[string]struct{}
	trainingGrowth int

	metricsOnce sync.Once
	added       metric.Int64Counter
	polled      metric.Int64Counter
	moved       metric.Int64Counter
	queuedItems metric.Int64UpDownCounter
}

// New creates a buffer over tree.
//
// Inputs:
//
//	cfg - Heuristic configuration. Must pass Validate.
//	tree - The exploration tree. Must not be nil.
//	opts - Optional classifier, chooser, sink and logger.
//
// Outputs:
//
//	*Buffer[T] - The empty buffer.
//	error - ErrInvalidConfig if cfg is malformed.
func New[T datatypes.WorkItem](cfg Config, tree TreeStore, opts ...Option) (*Buffer[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, ErrInvalidConfig
	}
	o := options{chooser: WeightedChooser, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.chooser == nil {
		o.chooser = WeightedChooser
	}
	knn := o.classifier
	if knn == nil {
		var err error
		knn, err = classifier.New(classifier.DefaultConfig(cfg.K), o.sink, o.logger)
		if err != nil {
			return nil, err
		}
	}
	improvPat, _ := compilePattern(cfg.ImprovabilityPattern)
	noveltyPat, _ := compilePattern(cfg.NoveltyPattern)

	b := &Buffer[T]{
		cfg:            cfg,
		tree:           tree,
		knn:            knn,
		chooser:        o.chooser,
		logger:         o.logger.With(slog.String("component", "buffer")),
		table:          tableFor(cfg),
		infeas:         newInfeasibilityMap(tableInfeasibility.ranking, knn.K(), cfg.InfeasibilityThreshold),
		improvPat:      improvPat,
		noveltyPat:     noveltyPat,
		queues:         make(map[int]*list.List),
		pendingImprov:  make(map[string]struct{}),
		pendingNovelty: make(map[string]struct{}),
	}
	for _, q := range b.table.ranking {
		b.queues[q] = list.New()
	}
	b.initMetrics()
	return b, nil
}

func (b *Buffer[T]) initMetrics() {
	b.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		b.added, err = meter.Int64Counter("frontier_buffer_added_total",
			metric.WithDescription("Items added by destination queue"),
		)
		if err != nil {
			initErrors = append(initErrors, "added: "+err.Error())
		}
		b.polled, err = meter.Int64Counter("frontier_buffer_polled_total",
			metric.WithDescription("Items handed to consumers"),
		)
		if err != nil {
			initErrors = append(initErrors, "polled: "+err.Error())
		}
		b.moved, err = meter.Int64Counter("frontier_buffer_reclassified_total",
			metric.WithDescription("Items moved to another queue by heuristic"),
		)
		if err != nil {
			initErrors = append(initErrors, "reclassified: "+err.Error())
		}
		b.queuedItems, err = meter.Int64UpDownCounter("frontier_buffer_items",
			metric.WithDescription("Items currently buffered"),
		)
		if err != nil {
			initErrors = append(initErrors, "items: "+err.Error())
		}

		if len(initErrors) > 0 {
			b.logger.Error("failed to initialize some buffer metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Classifier returns the feasibility classifier owned by the buffer.
func (b *Buffer[T]) Classifier() *classifier.KNN { return b.knn }

// Ranking returns the queue numbers from best to worst.
func (b *Buffer[T]) Ranking() []int { return append([]int(nil), b.table.ranking...) }

// -----------------------------------------------------------------------------
// Channel contract
// -----------------------------------------------------------------------------

// Add ranks item and appends it to its queue. Items with an empty path
// condition are rejected. The path must be registered in the tree.
func (b *Buffer[T]) Add(item T) bool {
	entry, path := item.EntryPoint(), item.PathCondition()
	if len(path) == 0 {
		b.logger.Warn("rejected item with empty path condition", slog.String("entry", entry))
		return false
	}
	ctx := context.Background()

	b.mu.Lock()
	if b.cfg.UseImprovability {
		b.updateImprovability(entry, path)
	}
	if b.cfg.UseNovelty {
		b.updateNovelty(entry, path)
	}
	if b.cfg.UseInfeasibility {
		b.updateInfeasibility(ctx, entry, path)
	}
	q := b.queueNumber(entry, path)
	b.queues[q].PushBack(item)
	b.size++
	b.mu.Unlock()

	if b.added != nil {
		b.added.Add(ctx, 1, metric.WithAttributes(attribute.Int("queue", q)))
	}
	if b.queuedItems != nil {
		b.queuedItems.Add(ctx, 1)
	}
	return true
}

// PollN removes and returns up to n items.
//
// Description:
//
//	A rank r is drawn from the weight table. Each item is taken from the
//	first non-empty queue at rank r or worse. When none is found the call
//	sleeps for timeout (once per call, without holding the lock) and then
//	looks at the ranks better than r. The call returns when n items were
//	collected or both passes find nothing. If ctx ends during the sleep,
//	the items collected so far are returned with ctx.Err().
func (b *Buffer[T]) PollN(ctx context.Context, n int, timeout time.Duration) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	rank := b.chooser(b.table.weights)
	rank = min(max(rank, 0), len(b.table.ranking)-1)

	out := make([]T, 0, n)
	slept := false
	for len(out) < n {
		if item, ok := b.pollRange(rank, len(b.table.ranking), 1); ok {
			out = append(out, item)
			continue
		}
		if !slept {
			slept = true
			if timeout > 0 {
				t := time.NewTimer(timeout)
				select {
				case <-ctx.Done():
					t.Stop()
					b.recordPolled(len(out))
					return out, ctx.Err()
				case <-t.C:
				}
			}
		}
		item, ok := b.pollRange(rank-1, -1, -1)
		if !ok {
			break
		}
		out = append(out, item)
	}
	b.recordPolled(len(out))
	return out, nil
}

func (b *Buffer[T]) recordPolled(n int) {
	if n == 0 {
		return
	}
	ctx := context.Background()
	if b.polled != nil {
		b.polled.Add(ctx, int64(n))
	}
	if b.queuedItems != nil {
		b.queuedItems.Add(ctx, -int64(n))
	}
}

// pollRange takes the head of the first non-empty queue among ranking
// positions from, from+step, ... stopping before to.
func (b *Buffer[T]) pollRange(from, to, step int) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := from; i != to; i += step {
		q := b.queues[b.table.ranking[i]]
		if front := q.Front(); front != nil {
			q.Remove(front)
			b.size--
			return front.Value.(T), true
		}
	}
	var zero T
	return zero, false
}

// IsEmpty reports whether every queue is empty.
func (b *Buffer[T]) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == 0
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// QueueLengths returns the number of items per queue number.
func (b *Buffer[T]) QueueLengths() map[int]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueLengthsLocked()
}

func (b *Buffer[T]) queueLengthsLocked() map[int]int {
	out := make(map[int]int, len(b.queues))
	for q, l := range b.queues {
		out[q] = l.Len()
	}
	return out
}

// Stats returns a snapshot of the buffer.
func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	s := Stats{
		Queues:         b.queueLengthsLocked(),
		Items:          b.size,
		TrainingGrowth: b.trainingGrowth,
		PendingImprov:  len(b.pendingImprov),
		PendingNovelty: len(b.pendingNovelty),
	}
	b.mu.Unlock()
	s.TrainingSize = b.knn.Size()
	if b.cfg.UseImprovability {
		s.Heuristics = append(s.Heuristics, "improvability")
	}
	if b.cfg.UseNovelty {
		s.Heuristics = append(s.Heuristics, "novelty")
	}
	if b.cfg.UseInfeasibility {
		s.Heuristics = append(s.Heuristics, "infeasibility")
	}
	return s
}

// -----------------------------------------------------------------------------
// Learning
// -----------------------------------------------------------------------------

// LearnCoverageForImprovability records newly covered branches for the
// next improvability pass. Branches not matching the pattern are ignored.
func (b *Buffer[T]) LearnCoverageForImprovability(branches ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, br := range branches {
		if b.improvPat.MatchString(br) {
			b.pendingImprov[br] = struct{}{}
		}
	}
}

// LearnCoverageForNovelty records covered branches for the next novelty
// pass. Branches not matching the pattern are ignored.
func (b *Buffer[T]) LearnCoverageForNovelty(branches ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, br := range branches {
		if b.noveltyPat.MatchString(br) {
			b.pendingNovelty[br] = struct{}{}
		}
	}
}

// LearnPathCondition trains the classifier with a solver verdict. A solved
// path makes every prefix a feasible example; a refuted path is a single
// infeasible example. The path and its prefixes must be registered in the
// tree. It returns the number of new training examples.
func (b *Buffer[T]) LearnPathCondition(ctx context.Context, entry string, path datatypes.PathCondition, solved bool) int {
	if len(path) == 0 {
		return 0
	}
	var examples []classifier.TrainingExample
	full := b.tree.EncodedPathCondition(entry, path)
	if solved {
		for n := len(path); n > 0; n-- {
			examples = append(examples, classifier.TrainingExample{
				Encoding: b.tree.EncodedPathCondition(entry, path.Prefix(n)),
				Feasible: true,
			})
		}
	} else {
		examples = append(examples, classifier.TrainingExample{Encoding: full, Feasible: false})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.knn.Audit(ctx, b.knn.Classify(ctx, full), solved)
	added := b.knn.Train(ctx, examples...)
	b.trainingGrowth += added
	return added
}

// -----------------------------------------------------------------------------
// Reclassification
// -----------------------------------------------------------------------------

type located struct {
	queue int
	elem  *list.Element
}

// UpdateImprovabilityAndReclassify recomputes improvability for items whose
// neighbor branches intersect the branches learned since the last pass.
func (b *Buffer[T]) UpdateImprovabilityAndReclassify(ctx context.Context) ReclassifyResult {
	ctx, span := tracer.Start(ctx, "buffer.UpdateImprovabilityAndReclassify")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Lock()
	defer b.tree.Unlock()

	if !b.cfg.UseImprovability || len(b.pendingImprov) == 0 {
		clear(b.pendingImprov)
		return ReclassifyResult{}
	}
	res := b.reclassify(ctx, "improvability",
		func(entry string, path datatypes.PathCondition) bool {
			return intersects(b.tree.NeighborBranches(entry, path), b.pendingImprov)
		},
		b.updateImprovability,
	)
	clear(b.pendingImprov)
	finishSpan(span, res)
	return res
}

// UpdateNoveltyAndReclassify recomputes novelty for items whose covered
// branches intersect the branches learned since the last pass.
func (b *Buffer[T]) UpdateNoveltyAndReclassify(ctx context.Context) ReclassifyResult {
	ctx, span := tracer.Start(ctx, "buffer.UpdateNoveltyAndReclassify")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Lock()
	defer b.tree.Unlock()

	if !b.cfg.UseNovelty || len(b.pendingNovelty) == 0 {
		clear(b.pendingNovelty)
		return ReclassifyResult{}
	}
	res := b.reclassify(ctx, "novelty",
		func(entry string, path datatypes.PathCondition) bool {
			return intersects(b.tree.CoveredBranches(entry, path), b.pendingNovelty)
		},
		b.updateNovelty,
	)
	clear(b.pendingNovelty)
	finishSpan(span, res)
	return res
}

// UpdateInfeasibilityAndReclassify reclassifies every item once at least
// TrainingThreshold new examples were learned, then resets the count.
func (b *Buffer[T]) UpdateInfeasibilityAndReclassify(ctx context.Context) ReclassifyResult {
	ctx, span := tracer.Start(ctx, "buffer.UpdateInfeasibilityAndReclassify")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Lock()
	defer b.tree.Unlock()

	if !b.cfg.UseInfeasibility || b.trainingGrowth < b.cfg.TrainingThreshold {
		return ReclassifyResult{}
	}
	res := b.reclassify(ctx, "infeasibility",
		func(string, datatypes.PathCondition) bool { return true },
		func(entry string, path datatypes.PathCondition) {
			b.updateInfeasibility(ctx, entry, path)
		},
	)
	b.trainingGrowth = 0
	finishSpan(span, res)
	return res
}

// reclassify runs one pass. The caller holds b.mu and the tree lock.
func (b *Buffer[T]) reclassify(
	ctx context.Context,
	heuristic string,
	selected func(entry string, path datatypes.PathCondition) bool,
	update func(entry string, path datatypes.PathCondition),
) ReclassifyResult {
	res := ReclassifyResult{Ran: true}

	// Snapshot first so moved items are not visited twice.
	var todo []located
	for _, q := range b.table.ranking {
		for e := b.queues[q].Front(); e != nil; e = e.Next() {
			item := e.Value.(T)
			if selected(item.EntryPoint(), item.PathCondition()) {
				todo = append(todo, located{queue: q, elem: e})
			}
		}
	}

	for _, loc := range todo {
		item := loc.elem.Value.(T)
		entry, path := item.EntryPoint(), item.PathCondition()
		update(entry, path)
		res.Visited++
		if q := b.queueNumber(entry, path); q != loc.queue {
			b.queues[loc.queue].Remove(loc.elem)
			b.queues[q].PushBack(item)
			res.Moved++
		}
	}

	if res.Moved > 0 && b.moved != nil {
		b.moved.Add(ctx, int64(res.Moved), metric.WithAttributes(attribute.String("heuristic", heuristic)))
	}
	b.logger.Debug("reclassified",
		slog.String("heuristic", heuristic),
		slog.Int("visited", res.Visited),
		slog.Int("moved", res.Moved),
	)
	return res
}

func finishSpan(span trace.Span, res ReclassifyResult) {
	span.SetAttributes(
		attribute.Int("buffer.visited", res.Visited),
		attribute.Int("buffer.moved", res.Moved),
	)
}

func intersects(branches []string, set map[string]struct{}) bool {
	for _, br := range branches {
		if _, ok := set[br]; ok {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Heuristic indices
// -----------------------------------------------------------------------------

// updateImprovability counts the uncovered neighbor branches matching the
// pattern, capped at MaxImprovability.
func (b *Buffer[T]) updateImprovability(entry string, path datatypes.PathCondition) {
	count := 0
	for _, br := range b.tree.NeighborBranches(entry, path) {
		if b.improvPat.MatchString(br) && !b.tree.Covers(br) {
			count++
		}
	}
	b.tree.SetIndexImprovability(entry, path, min(count, MaxImprovability))
}

// updateNovelty takes the minimum hit count among covered branches matching
// the pattern, capped at MaxNovelty. No matching branch means 0.
func (b *Buffer[T]) updateNovelty(entry string, path datatypes.PathCondition) {
	minimum := -1
	for br, hits := range b.tree.HitCounts(entry, path) {
		if !b.noveltyPat.MatchString(br) {
			continue
		}
		if minimum < 0 || hits < minimum {
			minimum = hits
		}
	}
	if minimum < 0 {
		minimum = 0
	}
	b.tree.SetIndexNovelty(entry, path, min(minimum, MaxNovelty))
}

func (b *Buffer[T]) updateInfeasibility(ctx context.Context, entry string, path datatypes.PathCondition) {
	res := b.knn.Classify(ctx, b.tree.EncodedPathCondition(entry, path))
	b.tree.SetIndexInfeasibility(entry, path, b.infeas.queue(res))
}

// queueNumber derives the queue of a path from its cached indices. With one
// heuristic active the index is the queue number; otherwise the queue
// number counts the heuristics whose index passes its threshold.
func (b *Buffer[T]) queueNumber(entry string, path datatypes.PathCondition) int {
	switch b.cfg.activeCount() {
	case 0:
		return 0
	case 1:
		switch {
		case b.cfg.UseImprovability:
			return b.tree.IndexImprovability(entry, path)
		case b.cfg.UseNovelty:
			return b.tree.IndexNovelty(entry, path)
		default:
			return b.tree.IndexInfeasibility(entry, path)
		}
	}
	count := 0
	if b.cfg.UseImprovability && b.tree.IndexImprovability(entry, path) > b.cfg.ImprovabilityThreshold {
		count++
	}
	if b.cfg.UseNovelty && b.tree.IndexNovelty(entry, path) < b.cfg.NoveltyThreshold {
		count++
	}
	if b.cfg.UseInfeasibility && b.infeas.passes(b.tree.IndexInfeasibility(entry, path)) {
		count++
	}
	return count
}
