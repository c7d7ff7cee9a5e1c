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
	"log/slog"

	"github.com/AleutianAI/frontier/services/frontier/buffer"
	"github.com/AleutianAI/frontier/services/frontier/classifier"
	"github.com/AleutianAI/frontier/services/frontier/datatypes"
	"github.com/AleutianAI/frontier/services/frontier/encoding"
	"github.com/AleutianAI/frontier/services/frontier/engine"
	"github.com/AleutianAI/frontier/services/frontier/pipeline"
	"github.com/AleutianAI/frontier/services/frontier/pool"
	"github.com/AleutianAI/frontier/services/frontier/slicing"
	"github.com/AleutianAI/frontier/services/frontier/treepath"
)

// Config assembles the component configurations of a replay.
type Config struct {
	Buffer        buffer.Config
	Classifier    classifier.Config
	Encoding      encoding.Config
	ContextWindow int
	Explorer      pipeline.StageConfig
	Generator     pipeline.StageConfig
	Engine        engine.Config
}

// DefaultConfig returns a replay configuration built from the component
// defaults.
func DefaultConfig() Config {
	b := buffer.DefaultConfig()
	return Config{
		Buffer:        b,
		Classifier:    classifier.DefaultConfig(b.K),
		Encoding:      encoding.DefaultConfig(),
		ContextWindow: slicing.DefaultContextWindow,
		Explorer:      pipeline.StageConfig{Name: "explorer", Workers: 2, BatchSize: 1},
		Generator:     pipeline.StageConfig{Name: "generator", Workers: 4, BatchSize: 4},
		Engine:        engine.DefaultConfig(),
	}
}

// Option configures a Replay.
type Option func(*options)

type options struct {
	sink    classifier.MetricsSink
	logger  *slog.Logger
	chooser buffer.Chooser
}

// WithMetricsSink receives the classifier's audited predictions.
func WithMetricsSink(s classifier.MetricsSink) Option {
	return func(o *options) { o.sink = s }
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithChooser replaces the buffer's weighted rank choice.
func WithChooser(c buffer.Chooser) Option {
	return func(o *options) { o.chooser = c }
}

// Summary describes a finished replay.
type Summary struct {
	Report   engine.Report `json:"report"`
	Outcomes TallySnapshot `json:"outcomes"`
	Buffer   buffer.Stats  `json:"buffer"`
	Covered  int           `json:"covered_branches"`
}

// Replay is a two-stage pipeline around the buffer:
//
//	input -> explorer -> buffer -> generator -> tally
//
// Thread Safety: Accessors are safe to call while Run is executing.
type Replay struct {
	tree      *treepath.Tree
	input     *Queue[Record]
	buffer    *buffer.Buffer[*datatypes.Item]
	explorer  *pipeline.Stage[Record, *datatypes.Item]
	generator *pipeline.Stage[*datatypes.Item, Outcome]
	engine    *engine.Engine
	tally     *Tally
	logger    *slog.Logger
}

// New wires a replay.
//
// Outputs:
//
//	*Replay - The assembled pipeline, not yet running.
//	error - A component's ErrInvalidConfig.
func New(cfg Config, opts ...Option) (*Replay, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	knn, err := classifier.New(cfg.Classifier, o.sink, o.logger)
	if err != nil {
		return nil, fmt.Errorf("create classifier: %w", err)
	}
	tree := treepath.New(encoding.NewEncoder(cfg.Encoding), slicing.New(cfg.ContextWindow))

	bufOpts := []buffer.Option{buffer.WithClassifier(knn), buffer.WithLogger(o.logger)}
	if o.chooser != nil {
		bufOpts = append(bufOpts, buffer.WithChooser(o.chooser))
	}
	buf, err := buffer.New[*datatypes.Item](cfg.Buffer, tree, bufOpts...)
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}

	r := &Replay{
		tree:   tree,
		input:  NewQueue[Record](),
		buffer: buf,
		tally:  &Tally{},
		logger: o.logger,
	}

	r.explorer, err = pipeline.NewStage[Record, *datatypes.Item](cfg.Explorer, r.input, buf, Explorer(tree), o.logger)
	if err != nil {
		return nil, fmt.Errorf("create explorer: %w", err)
	}
	r.generator, err = pipeline.NewStage[*datatypes.Item, Outcome](cfg.Generator, buf, r.tally, Generator(tree, buf), o.logger)
	if err != nil {
		return nil, fmt.Errorf("create generator: %w", err)
	}
	r.engine, err = engine.New(cfg.Engine, buf, o.logger, r.explorer, r.generator)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return r, nil
}

// Load queues records for the explorer.
func (r *Replay) Load(records ...Record) {
	for _, rec := range records {
		r.input.Add(rec)
	}
}

// Run drives the pipeline until quiescence or ctx ends.
func (r *Replay) Run(ctx context.Context) (Summary, error) {
	r.logger.Info("replay started", slog.Int("records", r.input.Len()))
	report, err := r.engine.Run(ctx)
	sum := Summary{
		Report:   report,
		Outcomes: r.tally.Snapshot(),
		Buffer:   r.buffer.Stats(),
		Covered:  r.tree.TotalCovered(),
	}
	if err != nil {
		return sum, err
	}
	r.logger.Info("replay finished",
		slog.Int("processed", sum.Outcomes.Processed),
		slog.Int("covered", sum.Covered),
		slog.Int("training_size", sum.Buffer.TrainingSize),
	)
	return sum, nil
}

// Tree returns the exploration tree.
func (r *Replay) Tree() *treepath.Tree { return r.tree }

// Buffer returns the scheduling buffer.
func (r *Replay) Buffer() *buffer.Buffer[*datatypes.Item] { return r.buffer }

// Engine returns the orchestrator.
func (r *Replay) Engine() *engine.Engine { return r.engine }

// Tally returns the generator's outcome counters.
func (r *Replay) Tally() *Tally { return r.tally }

// StageStats returns the worker pool counters of both stages.
func (r *Replay) StageStats() []pool.Stats {
	return []pool.Stats{r.explorer.PoolStats(), r.generator.PoolStats()}
}
