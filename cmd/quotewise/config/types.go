// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

// QuotewiseConfig is the on-disk configuration for the learning service.
type QuotewiseConfig struct {
	// Server: HTTP listener settings
	Server ServerConfig `yaml:"server"`

	// Storage: embedded database location
	Storage StorageConfig `yaml:"storage"`

	// ModelBackend: decides which generation provider serves predictions
	ModelBackend BackendConfig `yaml:"model_backend"`

	// VectorDB: exemplar index connection
	VectorDB VectorDBConfig `yaml:"vector_db"`

	// Observability: tracing and metrics toggles
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Port    int    `yaml:"port"`     // e.g. 12310
	GinMode string `yaml:"gin_mode"` // debug, release, test
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"` // e.g. /var/lib/quotewise
}

type BackendConfig struct {
	// Type can be "openai", "ollama", or "none".
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url,omitempty"`
}

type VectorDBConfig struct {
	URL string `yaml:"url"` // e.g. http://localhost:8080
}

type ObservabilityConfig struct {
	OTelEndpoint  string `yaml:"otel_endpoint,omitempty"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() QuotewiseConfig {
	return QuotewiseConfig{
		Server: ServerConfig{
			Port:    12310,
			GinMode: "release",
		},
		Storage: StorageConfig{
			DataDir: "./data/learning",
		},
		ModelBackend: BackendConfig{
			Type: "openai",
		},
		VectorDB: VectorDBConfig{
			URL: "http://localhost:8080",
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
		},
	}
}
