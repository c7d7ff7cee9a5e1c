// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the frontier YAML configuration and converts it to
// the per-component configuration types.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/frontier/pkg/logging"
	"github.com/AleutianAI/frontier/services/frontier/buffer"
	"github.com/AleutianAI/frontier/services/frontier/classifier"
	"github.com/AleutianAI/frontier/services/frontier/encoding"
	"github.com/AleutianAI/frontier/services/frontier/engine"
	"github.com/AleutianAI/frontier/services/frontier/pipeline"
	"github.com/AleutianAI/frontier/services/frontier/storage"
	"github.com/AleutianAI/frontier/services/frontier/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid")

// validate is the shared validator with the "regexp" rule registered.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("regexp", validateRegexp)
}

// validateRegexp accepts an empty string or a compilable pattern.
func validateRegexp(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	_, err := regexp.Compile(s)
	return err == nil
}

// Config is the root of the YAML file.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Encoding   EncodingConfig   `yaml:"encoding"`
	Explorer   StageConfig      `yaml:"explorer"`
	Generator  StageConfig      `yaml:"generator"`
	Engine     EngineConfig     `yaml:"engine"`
	Status     StatusConfig     `yaml:"status"`
	Storage    StorageConfig    `yaml:"storage"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// TelemetryConfig configures OpenTelemetry exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// BufferConfig selects the buffer heuristics.
type BufferConfig struct {
	Improvability          bool   `yaml:"improvability"`
	Novelty                bool   `yaml:"novelty"`
	Infeasibility          bool   `yaml:"infeasibility"`
	ImprovabilityPattern   string `yaml:"improvability_pattern" validate:"regexp"`
	NoveltyPattern         string `yaml:"novelty_pattern" validate:"regexp"`
	TrainingThreshold      int    `yaml:"training_threshold" validate:"gte=0"`
	K                      int    `yaml:"k" validate:"gte=1"`
	ImprovabilityThreshold int    `yaml:"improvability_threshold" validate:"gte=0,lte=10"`
	NoveltyThreshold       int    `yaml:"novelty_threshold" validate:"gte=0,lte=10"`
	InfeasibilityThreshold int    `yaml:"infeasibility_threshold" validate:"gte=-1,lte=3"`
}

// ClassifierConfig sets the neighbor scores.
type ClassifierConfig struct {
	SpecificScore          float64 `yaml:"specific_score" validate:"gt=0"`
	GeneralFeasibleScore   float64 `yaml:"general_feasible_score" validate:"gt=0"`
	GeneralInfeasibleScore float64 `yaml:"general_infeasible_score" validate:"gt=0"`
}

// EncodingConfig sizes the path encoding.
type EncodingConfig struct {
	ContextLength uint     `yaml:"context_length" validate:"gte=8"`
	CoreLength    uint     `yaml:"core_length" validate:"gte=8"`
	Primes        []uint32 `yaml:"primes,omitempty" validate:"omitempty,dive,gt=1"`
	ContextWindow int      `yaml:"context_window" validate:"gte=1"`
}

// StageConfig configures one pipeline stage.
type StageConfig struct {
	Workers    int           `yaml:"workers" validate:"gte=1,lte=1024"`
	BatchSize  int           `yaml:"batch_size" validate:"gte=1"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	JobTimeout time.Duration `yaml:"job_timeout" validate:"gte=0"`
}

// EngineConfig configures orchestration.
type EngineConfig struct {
	ReclassifyInterval time.Duration `yaml:"reclassify_interval" validate:"gte=0"`
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
	QuiescencePolls    int           `yaml:"quiescence_polls" validate:"gte=1"`
	MaxRuntime         time.Duration `yaml:"max_runtime" validate:"gte=0"`
}

// StatusConfig configures the HTTP status server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// StorageConfig configures the coverage checkpoint.
type StorageConfig struct {
	// Path is the Badger directory. Empty disables checkpoints.
	Path string `yaml:"path"`
	// Restore loads saved hit counts before the run.
	Restore bool `yaml:"restore"`
}

// Default returns the built-in configuration.
func Default() Config {
	b := buffer.DefaultConfig()
	c := classifier.DefaultConfig(b.K)
	e := engine.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Buffer: BufferConfig{
			Improvability:          b.UseImprovability,
			Novelty:                b.UseNovelty,
			Infeasibility:          b.UseInfeasibility,
			TrainingThreshold:      b.TrainingThreshold,
			K:                      b.K,
			ImprovabilityThreshold: b.ImprovabilityThreshold,
			NoveltyThreshold:       b.NoveltyThreshold,
			InfeasibilityThreshold: b.InfeasibilityThreshold,
		},
		Classifier: ClassifierConfig{
			SpecificScore:          c.SpecificScore,
			GeneralFeasibleScore:   c.GeneralFeasibleScore,
			GeneralInfeasibleScore: c.GeneralInfeasibleScore,
		},
		Encoding: EncodingConfig{
			ContextLength: encoding.DefaultContextLength,
			CoreLength:    encoding.DefaultCoreLength,
			ContextWindow: 8,
		},
		Explorer: StageConfig{
			Workers:   2,
			BatchSize: 1,
			Timeout:   10 * time.Millisecond,
		},
		Generator: StageConfig{
			Workers:   4,
			BatchSize: 4,
			Timeout:   10 * time.Millisecond,
		},
		Engine: EngineConfig{
			ReclassifyInterval: e.ReclassifyInterval,
			PollInterval:       e.PollInterval,
			QuiescencePolls:    e.QuiescencePolls,
		},
		Status: StatusConfig{Addr: "127.0.0.1:9464"},
	}
}

// Load reads path over the defaults and validates the result. Keys absent
// from the file keep their default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field tag.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// -----------------------------------------------------------------------------
// Conversions
// -----------------------------------------------------------------------------

// LoggingConfig returns the logger configuration for service.
func (c Config) LoggingConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Log.Dir,
		Service: service,
		JSON:    c.Log.JSON,
		Quiet:   c.Log.Quiet,
	}
}

// TelemetryConfig returns the telemetry configuration.
func (c Config) TelemetryConfig(version string) telemetry.Config {
	t := telemetry.DefaultConfig()
	t.ServiceVersion = version
	t.TraceExporter = c.Telemetry.TraceExporter
	t.MetricExporter = c.Telemetry.MetricExporter
	t.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	t.OTLPInsecure = c.Telemetry.OTLPInsecure
	return t
}

// BufferConfig returns the buffer configuration.
func (c Config) BufferConfig() buffer.Config {
	return buffer.Config{
		UseImprovability:       c.Buffer.Improvability,
		UseNovelty:             c.Buffer.Novelty,
		UseInfeasibility:       c.Buffer.Infeasibility,
		ImprovabilityPattern:   c.Buffer.ImprovabilityPattern,
		NoveltyPattern:         c.Buffer.NoveltyPattern,
		TrainingThreshold:      c.Buffer.TrainingThreshold,
		K:                      c.Buffer.K,
		ImprovabilityThreshold: c.Buffer.ImprovabilityThreshold,
		NoveltyThreshold:       c.Buffer.NoveltyThreshold,
		InfeasibilityThreshold: c.Buffer.InfeasibilityThreshold,
	}
}

// ClassifierConfig returns the classifier configuration.
func (c Config) ClassifierConfig() classifier.Config {
	return classifier.Config{
		K:                      c.Buffer.K,
		SpecificScore:          c.Classifier.SpecificScore,
		GeneralFeasibleScore:   c.Classifier.GeneralFeasibleScore,
		GeneralInfeasibleScore: c.Classifier.GeneralInfeasibleScore,
	}
}

// EncodingConfig returns the encoder configuration.
func (c Config) EncodingConfig() encoding.Config {
	return encoding.Config{
		ContextLength: c.Encoding.ContextLength,
		CoreLength:    c.Encoding.CoreLength,
		Primes:        c.Encoding.Primes,
	}
}

// StageConfig returns the pipeline configuration of a named stage.
func (s StageConfig) StageConfig(name string) pipeline.StageConfig {
	return pipeline.StageConfig{
		Name:       name,
		Workers:    s.Workers,
		BatchSize:  s.BatchSize,
		Timeout:    s.Timeout,
		JobTimeout: s.JobTimeout,
	}
}

// EngineConfig returns the engine configuration.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		ReclassifyInterval: c.Engine.ReclassifyInterval,
		PollInterval:       c.Engine.PollInterval,
		QuiescencePolls:    c.Engine.QuiescencePolls,
	}
}

// StorageConfig returns the Badger configuration, or false when
// checkpoints are disabled.
func (c Config) StorageConfig() (storage.Config, bool) {
	if c.Storage.Path == "" {
		return storage.Config{}, false
	}
	return storage.DefaultConfig(c.Storage.Path), true
}
