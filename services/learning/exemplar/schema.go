// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package exemplar

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ExemplarClassName is the Weaviate class name for exemplars.
const ExemplarClassName = "Exemplar"

// GetExemplarSchema returns the Weaviate schema for the Exemplar class.
//
// Description:
//
//	Vectorizer is "none": vectors are computed by the embed service and
//	supplied at insert time, so retrieval and ingestion always share the
//	same embedding model.
//
// Outputs:
//
//	*models.Class - The Weaviate class definition
func GetExemplarSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	return &models.Class{
		Class:       ExemplarClassName,
		Description: "High-quality past input/output pairs used as few-shot context for predictions",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "exemplarId",
				DataType:        []string{"text"},
				Description:     "Unique identifier (UUID)",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "orgId",
				DataType:        []string{"text"},
				Description:     "Organization isolation key",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "inputText",
				DataType:        []string{"text"},
				Description:     "Description of the quoting situation the exemplar came from",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:            "outputText",
				DataType:        []string{"text"},
				Description:     "The outcome that was accepted or corrected to",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:        "qualityScore",
				DataType:    []string{"number"},
				Description: "Quality score from 0.0 to 1.0",
			},
			{
				Name:        "usageCount",
				DataType:    []string{"int"},
				Description: "How many times this exemplar has been retrieved",
			},
			{
				Name:        "quantity",
				DataType:    []string{"number"},
				Description: "Order quantity the exemplar was observed at, 0 if unknown",
			},
			{
				Name:            "sourceEventId",
				DataType:        []string{"text"},
				Description:     "Interaction event the exemplar was extracted from",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "createdAt",
				DataType:    []string{"date"},
				Description: "When the exemplar was stored",
			},
			{
				Name:        "lastUsed",
				DataType:    []string{"date"},
				Description: "When the exemplar was last retrieved",
			},
		},
	}
}

// EnsureExemplarSchema creates the Exemplar class if it doesn't exist.
// Idempotent.
func EnsureExemplarSchema(ctx context.Context, client *weaviate.Client, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	_, err := client.Schema().ClassGetter().WithClassName(ExemplarClassName).Do(ctx)
	if err == nil {
		logger.Info("Exemplar schema already exists")
		return nil
	}

	logger.Info("Creating Exemplar schema")
	if err := client.Schema().ClassCreator().WithClass(GetExemplarSchema()).Do(ctx); err != nil {
		return fmt.Errorf("creating Exemplar schema: %w", err)
	}
	return nil
}
