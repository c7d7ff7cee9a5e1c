// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AleutianAI/frontier/pkg/logging"
	"github.com/AleutianAI/frontier/services/frontier/config"
	"github.com/AleutianAI/frontier/services/frontier/replay"
	"github.com/AleutianAI/frontier/services/frontier/statusapi"
	"github.com/AleutianAI/frontier/services/frontier/storage"
	"github.com/AleutianAI/frontier/services/frontier/telemetry"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	configPath  string
	tracePath   string
	jsonSummary bool
}

// runSummary is what run prints.
type runSummary struct {
	replay.Summary
	Accuracy  float64 `json:"classifier_accuracy"`
	Audited   int64   `json:"classifier_audited"`
	Truncated bool    `json:"truncated"`
}

// runReplay loads the configuration and trace, runs the replay and prints
// a summary to stdout. Logs go to stderr.
func runReplay(ctx context.Context, opts runOptions, stdout, stderr io.Writer) (err error) {
	cfg := config.Default()
	if opts.configPath != "" {
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}

	logCfg := cfg.LoggingConfig("frontier")
	logCfg.Output = stderr
	logger := logging.New(logCfg)
	defer closeInto(&err, logger, "close logger")
	log := logger.Slog()

	shutdown, err := telemetry.Init(ctx, cfg.TelemetryConfig(version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := shutdown(sctx); serr != nil {
			log.Warn("telemetry shutdown failed", slog.String("error", serr.Error()))
		}
	}()

	records, err := replay.DecodeFile(opts.tracePath)
	if err != nil {
		return err
	}

	sink := telemetry.NewAccuracySink(log)
	r, err := replay.New(replayConfig(cfg), replay.WithMetricsSink(sink), replay.WithLogger(log))
	if err != nil {
		return err
	}

	var store *storage.CoverageStore
	if stCfg, ok := cfg.StorageConfig(); ok {
		stCfg.Logger = log
		db, oerr := storage.Open(stCfg)
		if oerr != nil {
			return fmt.Errorf("open checkpoint: %w", oerr)
		}
		defer closeInto(&err, db, "close checkpoint")
		store = storage.NewCoverageStore(db)
		if cfg.Storage.Restore {
			hits, lerr := store.Load(ctx)
			if lerr != nil {
				return fmt.Errorf("restore coverage: %w", lerr)
			}
			r.Tree().RestoreHits(hits)
			log.Info("coverage restored", slog.Int("branches", len(hits)))
		}
	}

	if cfg.Status.Enabled {
		provider := statusapi.ProviderFunc(func() statusapi.Snapshot {
			acc := sink.Snapshot()
			return statusapi.Snapshot{
				RunID:    r.Engine().RunID(),
				Buffer:   r.Buffer().Stats(),
				Stages:   r.StageStats(),
				Accuracy: &acc,
				Covered:  r.Tree().TotalCovered(),
			}
		})
		srv := statusapi.NewServer(cfg.Status.Addr,
			statusapi.NewRouter("frontier", provider, telemetry.MetricsHandler()), log)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(sctx); serr != nil {
				log.Warn("status server shutdown failed", slog.String("error", serr.Error()))
			}
		}()
	}

	r.Load(records...)
	runCtx := ctx
	if cfg.Engine.MaxRuntime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Engine.MaxRuntime)
		defer cancel()
	}
	sum, runErr := r.Run(runCtx)

	truncated := false
	if runErr != nil {
		if !errors.Is(runErr, context.DeadlineExceeded) || ctx.Err() != nil {
			return fmt.Errorf("replay: %w", runErr)
		}
		truncated = true
		log.Warn("replay stopped at max runtime", slog.Duration("max_runtime", cfg.Engine.MaxRuntime))
	}

	if store != nil {
		if err := store.Save(ctx, r.Tree().HitSnapshot()); err != nil {
			return fmt.Errorf("save coverage: %w", err)
		}
	}

	acc := sink.Snapshot()
	return printSummary(stdout, runSummary{
		Summary:   sum,
		Accuracy:  acc.Accuracy(),
		Audited:   acc.Total,
		Truncated: truncated,
	}, opts.jsonSummary)
}

// closeInto closes c and stores its error in *errp unless *errp is already
// set.
func closeInto(errp *error, c io.Closer, what string) {
	if cerr := c.Close(); cerr != nil && *errp == nil {
		*errp = fmt.Errorf("%s: %w", what, cerr)
	}
}

func replayConfig(cfg config.Config) replay.Config {
	return replay.Config{
		Buffer:        cfg.BufferConfig(),
		Classifier:    cfg.ClassifierConfig(),
		Encoding:      cfg.EncodingConfig(),
		ContextWindow: cfg.Encoding.ContextWindow,
		Explorer:      cfg.Explorer.StageConfig("explorer"),
		Generator:     cfg.Generator.StageConfig("generator"),
		Engine:        cfg.EngineConfig(),
	}
}

func printSummary(w io.Writer, s runSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	_, err := fmt.Fprintf(w, `run %s
  quiescent:         %t
  truncated:         %t
  duration:          %s
  processed:         %d (solved %d, refuted %d)
  covered branches:  %d
  training examples: %d
  audited:           %d (accuracy %.2f)
  reclassify rounds: %d
`,
		s.Report.RunID,
		s.Report.Quiescent,
		s.Truncated,
		s.Report.Duration.Round(time.Millisecond),
		s.Outcomes.Processed, s.Outcomes.Solved, s.Outcomes.Refuted,
		s.Covered,
		s.Buffer.TrainingSize,
		s.Audited, s.Accuracy,
		s.Report.Rounds,
	)
	return err
}
