// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package exemplar maintains the semantic repository of high-quality past
// input/output pairs used to steer new predictions.
//
// Only events that pass the valuable-example filter are stored; noisy or
// low-rated interactions are discarded outright so they cannot pollute
// retrieval. Retrieval over-fetches nearest neighbors from the vector index
// and re-ranks them by similarity, recency, and quantity fit before
// returning the top k.
package exemplar

import (
	"errors"
	"time"
)

// Sentinel errors for the exemplar store.
var (
	// ErrNotValuable indicates the event did not pass the filter. Not a
	// failure: the updater treats it as "nothing to store".
	ErrNotValuable = errors.New("event is not a valuable example")

	// ErrExemplarNotFound indicates no exemplar matches the id.
	ErrExemplarNotFound = errors.New("exemplar not found")

	// ErrStoreDegraded indicates the vector index is unreachable and the
	// store is running without retrieval.
	ErrStoreDegraded = errors.New("exemplar store degraded: vector index unavailable")
)

// Exemplar is one stored (input, output) pair.
type Exemplar struct {
	ExemplarID  string    `json:"exemplar_id"`
	OrgID       string    `json:"org_id"`
	Input       string    `json:"input_description"`
	Output      string    `json:"output_description"`
	Quality     float64   `json:"quality_score"`
	UsageCount  int       `json:"usage_count"`
	Quantity    float64   `json:"quantity,omitempty"`
	SourceEvent string    `json:"source_event_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used,omitempty"`
}

// Scored pairs an exemplar with its raw vector similarity and the combined
// rerank score.
type Scored struct {
	Exemplar
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// Config tunes filtering, reranking, and retention.
type Config struct {
	// RatingThreshold is the minimum 1-5 outcome rating for a completion
	// to qualify as an exemplar. Default: 4.
	RatingThreshold int

	// SelectionConfidence is the minimum reported confidence for a
	// selection to qualify. Default: 0.7.
	SelectionConfidence float64

	// DecayRate is the per-day recency decay applied at rerank time.
	// Default: 0.98.
	DecayRate float64

	// RetentionDays is how long an unused low-quality exemplar survives
	// before the pruning sweep removes it. Default: 30.
	RetentionDays int

	// PruneQualityFloor marks exemplars below this quality as prunable
	// when never used. Default: 0.5.
	PruneQualityFloor float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RatingThreshold:     4,
		SelectionConfidence: 0.7,
		DecayRate:           0.98,
		RetentionDays:       30,
		PruneQualityFloor:   0.5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RatingThreshold == 0 {
		c.RatingThreshold = d.RatingThreshold
	}
	if c.SelectionConfidence == 0 {
		c.SelectionConfidence = d.SelectionConfidence
	}
	if c.DecayRate == 0 {
		c.DecayRate = d.DecayRate
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = d.RetentionDays
	}
	if c.PruneQualityFloor == 0 {
		c.PruneQualityFloor = d.PruneQualityFloor
	}
}
