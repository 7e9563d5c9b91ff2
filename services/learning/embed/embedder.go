// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embed turns text into vectors for the exemplar store.
//
// The provider is external and can be slow or down; every call is bounded
// by a short timeout and callers are expected to degrade (skip retrieval,
// fall back) rather than retry indefinitely.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrProviderTimeout indicates the embedding provider did not answer within
// the deadline. Callers treat this as a degraded-mode signal, not a failure.
var ErrProviderTimeout = errors.New("embedding provider timeout")

// ErrEmptyText is returned when there is nothing to embed.
var ErrEmptyText = errors.New("text must not be empty")

// Embedder turns a piece of text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultTimeout bounds one embedding call.
const DefaultTimeout = 2 * time.Second

// OpenAIEmbedder calls the OpenAI embeddings API.
//
// Thread Safety: Safe for concurrent use.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIEmbedder creates an embedder from environment configuration.
//
// Description:
//
//	Reads OPENAI_API_KEY (falling back to the container secret path) and
//	OPENAI_EMBEDDING_MODEL (default text-embedding-3-small). Calls are
//	rate-limited to keep a burst of captures from exhausting the
//	provider quota.
func NewOpenAIEmbedder(logger *slog.Logger) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		data, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set and secret not found at %s", secretPath)
		}
		apiKey = strings.TrimSpace(string(data))
	}
	model := openai.EmbeddingModel(os.Getenv("OPENAI_EMBEDDING_MODEL"))
	if model == "" {
		model = openai.SmallEmbedding3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIEmbedder{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: DefaultTimeout,
		limiter: rate.NewLimiter(rate.Limit(20), 40), // 20 rps, burst 40
		logger:  logger.With(slog.String("component", "embedder")),
	}, nil
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: e.model,
		Input: []string{text},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
		}
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding provider returned no data")
	}
	return resp.Data[0].Embedding, nil
}
