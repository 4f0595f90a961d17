package config_test

import (
	"errors"
	"testing"

	"docvec/apps/backend/internal/config"

	"github.com/stretchr/testify/assert"
)

func validConfig() config.Config {
	return config.Config{
		DBHost:            "localhost",
		DBUser:            "user",
		DBName:            "db",
		EmbeddingProvider: config.ProviderOllama,
		ChunkMaxChars:     1000,
		ChunkOverlap:      100,
		ChunkMinChars:     200,
		IndexMetric:       config.MetricCosine,
		EmbedMaxAttempts:  5,
		SearchDefaultTopK: 5,
		SearchMaxTopK:     50,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		errIs  error
	}{
		{name: "Valid Config", mutate: func(c *config.Config) {}},
		{name: "Missing DBHost", mutate: func(c *config.Config) { c.DBHost = "" }, errIs: config.ErrMissingRequired},
		{name: "Missing DBUser", mutate: func(c *config.Config) { c.DBUser = "" }, errIs: config.ErrMissingRequired},
		{name: "Missing DBName", mutate: func(c *config.Config) { c.DBName = "" }, errIs: config.ErrMissingRequired},
		{name: "Missing Provider", mutate: func(c *config.Config) { c.EmbeddingProvider = "" }, errIs: config.ErrMissingRequired},
		{name: "Unknown Provider", mutate: func(c *config.Config) { c.EmbeddingProvider = "cohere" }, errIs: config.ErrInvalidValue},
		{name: "Gemini Without Key", mutate: func(c *config.Config) { c.EmbeddingProvider = config.ProviderGemini }, errIs: config.ErrMissingRequired},
		{name: "Gemini With Key", mutate: func(c *config.Config) {
			c.EmbeddingProvider = config.ProviderGemini
			c.GeminiAPIKey = "key"
		}},
		{name: "OpenAI Without Key", mutate: func(c *config.Config) { c.EmbeddingProvider = config.ProviderOpenAI }, errIs: config.ErrMissingRequired},
		{name: "Overlap Not Below Max", mutate: func(c *config.Config) { c.ChunkOverlap = 1000 }, errIs: config.ErrInvalidValue},
		{name: "Negative Overlap", mutate: func(c *config.Config) { c.ChunkOverlap = -1 }, errIs: config.ErrInvalidValue},
		{name: "Min Above Max", mutate: func(c *config.Config) { c.ChunkMinChars = 1001 }, errIs: config.ErrInvalidValue},
		{name: "Unknown Metric", mutate: func(c *config.Config) { c.IndexMetric = "l2" }, errIs: config.ErrInvalidValue},
		{name: "Zero Attempts", mutate: func(c *config.Config) { c.EmbedMaxAttempts = 0 }, errIs: config.ErrInvalidValue},
		{name: "Default TopK Above Ceiling", mutate: func(c *config.Config) { c.SearchDefaultTopK = 51 }, errIs: config.ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errIs == nil {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.True(t, errors.Is(err, tt.errIs), "expected error %v, got %v", tt.errIs, err)
		})
	}
}
