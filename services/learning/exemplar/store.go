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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/quotewise/services/learning/embed"
)

// Store persists exemplars in Weaviate and retrieves them by vector
// similarity with recency/quantity reranking.
//
// The store runs degraded when Weaviate is unreachable: writes fail with
// ErrStoreDegraded (the pipeline retries them later), and retrieval reports
// ErrStoreDegraded so prediction continues on facts alone.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	client   *weaviate.Client
	embedder embed.Embedder
	cfg      Config
	logger   *slog.Logger
	degraded atomic.Bool
	now      func() time.Time
}

// NewStore creates an exemplar store.
//
// Inputs:
//
//	client - Weaviate client. Must not be nil.
//	embedder - Vector source for inserts and queries. Must not be nil.
//	cfg - Tuning knobs; zero values take defaults.
//	logger - Logger. Default: slog.Default().
func NewStore(client *weaviate.Client, embedder embed.Embedder, cfg Config, logger *slog.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Store{
		client:   client,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "exemplar_store")),
		now:      time.Now,
	}, nil
}

// Bootstrap ensures the schema exists. A failure flips the store into
// degraded mode instead of aborting startup; the next successful write or
// Ping restores it.
func (s *Store) Bootstrap(ctx context.Context) error {
	if err := EnsureExemplarSchema(ctx, s.client, s.logger); err != nil {
		s.degraded.Store(true)
		s.logger.Warn("exemplar store starting degraded", slog.Any("error", err))
		return fmt.Errorf("%w: %v", ErrStoreDegraded, err)
	}
	s.degraded.Store(false)
	return nil
}

// Degraded reports whether the vector index is currently unreachable.
func (s *Store) Degraded() bool { return s.degraded.Load() }

// Ping re-checks Weaviate reachability and updates the degraded flag.
func (s *Store) Ping(ctx context.Context) bool {
	ok, err := s.client.Misc().ReadyChecker().Do(ctx)
	healthy := err == nil && ok
	s.degraded.Store(!healthy)
	return healthy
}

// Insert stores one exemplar with its vector.
//
// Description:
//
//	Embeds the input description and writes the object with the vector
//	attached. ExemplarID and CreatedAt are filled if empty. The Weaviate
//	object id is a stable function of the exemplar id, so re-inserting
//	the same exemplar (pipeline re-delivery) is a no-op rather than a
//	duplicate. An embedding timeout or index failure returns an error so
//	the pipeline's retry path re-delivers the event later.
func (s *Store) Insert(ctx context.Context, ex Exemplar) (*Exemplar, error) {
	if s.degraded.Load() {
		if !s.Ping(ctx) {
			return nil, ErrStoreDegraded
		}
	}

	if ex.ExemplarID == "" {
		ex.ExemplarID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = s.now().UTC()
	}
	if ex.LastUsed.IsZero() {
		ex.LastUsed = ex.CreatedAt
	}

	vector, err := s.embedder.Embed(ctx, ex.Input)
	if err != nil {
		return nil, fmt.Errorf("embedding exemplar input: %w", err)
	}

	_, err = s.client.Data().Creator().
		WithClassName(ExemplarClassName).
		WithID(objectIDFor(ex.ExemplarID)).
		WithProperties(map[string]interface{}{
			"exemplarId":    ex.ExemplarID,
			"orgId":         ex.OrgID,
			"inputText":     ex.Input,
			"outputText":    ex.Output,
			"qualityScore":  ex.Quality,
			"usageCount":    ex.UsageCount,
			"quantity":      ex.Quantity,
			"sourceEventId": ex.SourceEvent,
			"createdAt":     ex.CreatedAt.Format(time.RFC3339),
			"lastUsed":      ex.LastUsed.Format(time.RFC3339),
		}).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			s.degraded.Store(false)
			s.logger.Debug("exemplar already stored",
				slog.String("exemplar_id", ex.ExemplarID))
			return &ex, nil
		}
		s.degraded.Store(true)
		return nil, fmt.Errorf("storing exemplar: %w", err)
	}
	s.degraded.Store(false)

	s.logger.Info("stored exemplar",
		slog.String("exemplar_id", ex.ExemplarID),
		slog.String("org_id", ex.OrgID),
		slog.Float64("quality", ex.Quality))
	return &ex, nil
}

// Retrieve returns the top k exemplars for a query, org-scoped.
//
// Description:
//
//	Embeds the query, over-fetches 2k nearest neighbors from the vector
//	index, reranks by similarity * decay^ageDays * (1 - quantityPenalty),
//	and returns the top k. Retrieved exemplars have their usage counters
//	bumped; a failed bump is logged and ignored since it only affects
//	pruning, not correctness.
//
// Outputs:
//
//	[]Scored - Ranked exemplars, possibly empty.
//	error - ErrStoreDegraded when the index or embedder is unavailable;
//	        callers degrade to facts-only prediction.
func (s *Store) Retrieve(ctx context.Context, orgID, query string, queryQuantity float64, k int) ([]Scored, error) {
	if k <= 0 {
		k = 5
	}
	if s.degraded.Load() {
		if !s.Ping(ctx) {
			return nil, ErrStoreDegraded
		}
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, embed.ErrProviderTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrStoreDegraded, err)
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	orgFilter := filters.Where().
		WithPath([]string{"orgId"}).
		WithOperator(filters.Equal).
		WithValueString(orgID)

	result, err := s.client.GraphQL().Get().
		WithClassName(ExemplarClassName).
		WithFields(s.queryFields()...).
		WithNearVector(nearVector).
		WithWhere(orgFilter).
		WithLimit(k * 2).
		Do(ctx)
	if err != nil {
		s.degraded.Store(true)
		return nil, fmt.Errorf("%w: %v", ErrStoreDegraded, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("exemplar query error: %s", result.Errors[0].Message)
	}

	candidates := s.parseScored(result)
	ranked := rerank(candidates, queryQuantity, s.cfg.DecayRate, k, s.now().UTC())

	for _, ex := range ranked {
		if err := s.MarkUsed(ctx, ex.ExemplarID, ex.UsageCount); err != nil {
			s.logger.Warn("failed to bump exemplar usage",
				slog.String("exemplar_id", ex.ExemplarID),
				slog.Any("error", err))
		}
	}
	return ranked, nil
}

// MarkUsed updates lastUsed and increments the usage counter.
func (s *Store) MarkUsed(ctx context.Context, exemplarID string, currentCount int) error {
	weaviateID, err := s.lookupWeaviateID(ctx, exemplarID)
	if err != nil {
		return err
	}
	err = s.client.Data().Updater().
		WithClassName(ExemplarClassName).
		WithID(weaviateID).
		WithProperties(map[string]interface{}{
			"lastUsed":   s.now().UTC().Format(time.RFC3339),
			"usageCount": currentCount + 1,
		}).
		WithMerge().
		Do(ctx)
	if err != nil {
		return fmt.Errorf("marking exemplar used: %w", err)
	}
	return nil
}

// Prune deletes exemplars that are older than the retention window, never
// used, and below the quality floor.
//
// Outputs:
//
//	int - Number of exemplars removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"createdAt"}).
				WithOperator(filters.LessThan).
				WithValueDate(cutoff),
			filters.Where().
				WithPath([]string{"usageCount"}).
				WithOperator(filters.Equal).
				WithValueInt(0),
			filters.Where().
				WithPath([]string{"qualityScore"}).
				WithOperator(filters.LessThan).
				WithValueNumber(s.cfg.PruneQualityFloor),
		})

	result, err := s.client.GraphQL().Get().
		WithClassName(ExemplarClassName).
		WithFields(graphql.Field{Name: "exemplarId"}, graphql.Field{Name: "_additional { id }"}).
		WithWhere(where).
		WithLimit(500).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("scanning prunable exemplars: %w", err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("prune query error: %s", result.Errors[0].Message)
	}

	removed := 0
	for _, obj := range s.rawObjects(result) {
		additional, ok := obj["_additional"].(map[string]interface{})
		if !ok {
			continue
		}
		id, ok := additional["id"].(string)
		if !ok {
			continue
		}
		err := s.client.Data().Deleter().
			WithClassName(ExemplarClassName).
			WithID(id).
			Do(ctx)
		if err != nil {
			s.logger.Warn("failed to prune exemplar", slog.String("id", id), slog.Any("error", err))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("pruned exemplars", slog.Int("removed", removed))
	}
	return removed, nil
}

// QualityDistribution buckets stored exemplar quality scores for analytics.
//
// Outputs:
//
//	map[string]int - Counts keyed "low" (<0.5), "medium" (<0.8), "high".
func (s *Store) QualityDistribution(ctx context.Context, orgID string) (map[string]int, error) {
	orgFilter := filters.Where().
		WithPath([]string{"orgId"}).
		WithOperator(filters.Equal).
		WithValueString(orgID)

	result, err := s.client.GraphQL().Get().
		WithClassName(ExemplarClassName).
		WithFields(graphql.Field{Name: "qualityScore"}).
		WithWhere(orgFilter).
		WithLimit(10000).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning exemplar quality: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("quality query error: %s", result.Errors[0].Message)
	}

	dist := map[string]int{"low": 0, "medium": 0, "high": 0}
	for _, obj := range s.rawObjects(result) {
		q := getFloat64(obj, "qualityScore")
		switch {
		case q < 0.5:
			dist["low"]++
		case q < 0.8:
			dist["medium"]++
		default:
			dist["high"]++
		}
	}
	return dist, nil
}

// Count returns the number of exemplars stored for an organization.
func (s *Store) Count(ctx context.Context, orgID string) (int, error) {
	orgFilter := filters.Where().
		WithPath([]string{"orgId"}).
		WithOperator(filters.Equal).
		WithValueString(orgID)

	result, err := s.client.GraphQL().Aggregate().
		WithClassName(ExemplarClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		WithWhere(orgFilter).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting exemplars: %w", err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("count query error: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	objects, ok := data[ExemplarClassName].([]interface{})
	if !ok || len(objects) == 0 {
		return 0, nil
	}
	obj, ok := objects[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := obj["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	return int(getFloat64(meta, "count")), nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// objectIDFor derives the stable Weaviate object id for an exemplar id.
func objectIDFor(exemplarID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("quotewise/exemplar/"+exemplarID)).String()
}

func (s *Store) lookupWeaviateID(ctx context.Context, exemplarID string) (string, error) {
	result, err := s.client.GraphQL().Get().
		WithClassName(ExemplarClassName).
		WithFields(graphql.Field{Name: "exemplarId"}, graphql.Field{Name: "_additional { id }"}).
		WithWhere(filters.Where().
			WithPath([]string{"exemplarId"}).
			WithOperator(filters.Equal).
			WithValueString(exemplarID)).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("finding exemplar: %w", err)
	}
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("lookup error: %s", result.Errors[0].Message)
	}

	objects := s.rawObjects(result)
	if len(objects) == 0 {
		return "", ErrExemplarNotFound
	}
	additional, ok := objects[0]["_additional"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("missing _additional field")
	}
	id, ok := additional["id"].(string)
	if !ok {
		return "", fmt.Errorf("missing id in _additional")
	}
	return id, nil
}

func (s *Store) queryFields() []graphql.Field {
	return []graphql.Field{
		{Name: "exemplarId"},
		{Name: "orgId"},
		{Name: "inputText"},
		{Name: "outputText"},
		{Name: "qualityScore"},
		{Name: "usageCount"},
		{Name: "quantity"},
		{Name: "sourceEventId"},
		{Name: "createdAt"},
		{Name: "lastUsed"},
		{Name: "_additional { certainty }"},
	}
}

func (s *Store) rawObjects(result *models.GraphQLResponse) []map[string]interface{} {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		// Aggregate responses land here too
		data, ok = result.Data["Aggregate"].(map[string]interface{})
		if !ok {
			return nil
		}
	}
	objects, ok := data[ExemplarClassName].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(objects))
	for _, obj := range objects {
		if m, ok := obj.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) parseScored(result *models.GraphQLResponse) []Scored {
	objects := s.rawObjects(result)
	scored := make([]Scored, 0, len(objects))
	for _, m := range objects {
		ex := Exemplar{
			ExemplarID:  getString(m, "exemplarId"),
			OrgID:       getString(m, "orgId"),
			Input:       getString(m, "inputText"),
			Output:      getString(m, "outputText"),
			Quality:     getFloat64(m, "qualityScore"),
			UsageCount:  getInt(m, "usageCount"),
			Quantity:    getFloat64(m, "quantity"),
			SourceEvent: getString(m, "sourceEventId"),
		}
		if ts := getString(m, "createdAt"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				ex.CreatedAt = t
			}
		}
		if ts := getString(m, "lastUsed"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				ex.LastUsed = t
			}
		}

		similarity := 0.0
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			similarity = getFloat64(additional, "certainty")
		}
		scored = append(scored, Scored{Exemplar: ex, Similarity: similarity})
	}
	return scored
}

// getString safely extracts a string from a map.
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getFloat64 safely extracts a float64 from a map.
func getFloat64(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		}
	}
	return 0
}

// getInt safely extracts an int from a map.
func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}
