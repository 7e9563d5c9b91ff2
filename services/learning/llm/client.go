// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the generation backends used by the inference
// engine. The provider is external and untrusted: every call is bounded by
// a timeout, and callers fall back to deterministic heuristics when
// generation fails.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrProviderTimeout indicates the provider did not answer in time.
var ErrProviderTimeout = errors.New("llm provider timeout")

// DefaultTimeout bounds one generation call.
const DefaultTimeout = 8 * time.Second

// GenerationParams tune a single generation call.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client defines the standard interface for any LLM backend.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}
