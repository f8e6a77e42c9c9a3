package engine

import (
	"log/slog"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/provider"
)

// Config holds configuration for the engine.
type Config struct {
	// DefaultModel is used when the request omits the model field.
	// Empty string means a model is always required in the request.
	DefaultModel string

	// ForceModel, when set, replaces the model of every request so that
	// all callers share one backend model.
	ForceModel string

	// Validation limits applied before a request is submitted.
	Validation api.ValidationConfig

	// Models lists backend models for GET /v1/models. Optional.
	Models provider.ModelLister

	// SinkName labels usage sink failures in metrics. Default: "usage".
	SinkName string

	// RecordTimeout bounds a single usage write. Default: 2s.
	RecordTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Validation == (api.ValidationConfig{}) {
		c.Validation = api.DefaultValidationConfig()
	}
	if c.SinkName == "" {
		c.SinkName = "usage"
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
