// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("quotewise.learning.knowledge")

// Key layout:
//
//	ent/<type>/<natural_key>       entity record
//	rel/<source>/<rtype>/<rel_id>  immutable relation arena, grouped by slot
//
// There is no separate "current pointer" index: the arena per slot is small
// (one record per historical value) and a slot scan under a Badger prefix
// iterator is a point lookup in practice. Uniqueness of the current fact is
// enforced inside the write transaction, and Badger's SSI conflict detection
// serializes concurrent writers on the same slot.
const (
	prefixEntity   = "ent/"
	prefixRelation = "rel/"
	prefixApplied  = "seen/"
)

// Config tunes conflict resolution.
type Config struct {
	// TieBreakWindow is the TOccurred proximity within which a
	// lower-confidence incoming fact is demoted to an audit record
	// instead of superseding. Default: 24h ("same day").
	TieBreakWindow time.Duration

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TieBreakWindow: 24 * time.Hour,
		Logger:         slog.Default(),
	}
}

// Store is the badger-backed temporal knowledge store.
//
// Thread Safety: Safe for concurrent use. Writes to the same
// (source, relation_type) slot are serialized by optimistic concurrency;
// unrelated slots never contend. Reads run with unbounded concurrency.
type Store struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a knowledge store over an open BadgerDB handle.
func NewStore(db *badger.DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.TieBreakWindow == 0 {
		cfg.TieBreakWindow = DefaultConfig().TieBreakWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "knowledge")),
		now:    time.Now,
	}, nil
}

// UpsertEntity creates or refreshes an entity record.
//
// Description:
//
//	Entities are not bi-temporal the way relations are; the latest write
//	wins, with properties merged over the prior record so sparse updates
//	do not erase known fields. Confidence keeps the higher of old and new.
func (s *Store) UpsertEntity(ctx context.Context, entity Entity) error {
	if entity.Type == "" || entity.NaturalKey == "" {
		return fmt.Errorf("%w: entity type and natural key required", ErrEmptySubject)
	}
	if entity.Confidence < 0 || entity.Confidence > 1 {
		return ErrInvalidConfidence
	}
	if entity.TValid.IsZero() {
		entity.TValid = s.now().UTC()
	}

	key := []byte(prefixEntity + entity.Ref())
	err := s.withConflictRetry(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var prior Entity
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prior)
			}); err != nil {
				return err
			}
			entity = mergeEntity(prior, entity)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(entity)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("upserting entity %s: %w", entity.Ref(), err)
	}
	return nil
}

// Entity loads an entity by type and natural key.
func (s *Store) Entity(ctx context.Context, entityType, naturalKey string) (*Entity, error) {
	var entity Entity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixEntity + entityType + "/" + naturalKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entity)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrEntityNotFound, entityType, naturalKey)
	}
	if err != nil {
		return nil, fmt.Errorf("loading entity: %w", err)
	}
	return &entity, nil
}

// UpsertRelation ingests a fact and resolves conflicts with the currently
// valid fact for the same slot.
//
// Description:
//
//	Given an incoming fact for slot (source, relation_type), or
//	(source, relation_type, target) for multi-valued types, and the
//	currently valid relation for that slot:
//
//	  - No current fact: insert as valid from its occurrence time.
//	  - Incoming occurred near the current fact (within the tie-break
//	    window) with strictly lower confidence: keep the current fact;
//	    record the incoming one as an immediately-invalidated audit
//	    alternative.
//	  - Incoming occurred later: the more recent real-world fact wins.
//	    The current fact's interval is closed at the incoming occurrence
//	    time and the incoming fact becomes current.
//	  - Incoming occurred earlier: it fills a historical gap. It is
//	    inserted valid over [its occurrence, current fact's occurrence)
//	    and the current fact is untouched.
//
//	Multi-valued co-occurrence facts for an already-current (s, r, o)
//	merge their count property instead of superseding.
//
// Outputs:
//
//	error - ErrConflict after two optimistic-concurrency collisions;
//	        the caller should requeue rather than drop the write.
func (s *Store) UpsertRelation(ctx context.Context, rel Relation) error {
	ctx, span := tracer.Start(ctx, "knowledge.UpsertRelation",
		trace.WithAttributes(
			attribute.String("source", rel.Source),
			attribute.String("relation_type", rel.Type),
		))
	defer span.End()

	if rel.Source == "" || rel.Type == "" || rel.Target == "" {
		return fmt.Errorf("%w: relation source, type, and target required", ErrEmptySubject)
	}
	if rel.Confidence < 0 || rel.Confidence > 1 {
		return ErrInvalidConfidence
	}

	now := s.now().UTC()
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.TIngested.IsZero() {
		rel.TIngested = now
	}
	if rel.TOccurred.IsZero() {
		rel.TOccurred = rel.TIngested
	}

	err := s.withConflictRetry(ctx, func(txn *badger.Txn) error {
		current, err := s.currentInTxn(txn, rel.Source, rel.Type, rel.Target)
		if err != nil {
			return err
		}
		return s.resolve(txn, current, rel)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return err
	}
	span.SetStatus(codes.Ok, "upserted")
	return nil
}

// resolve applies the conflict-resolution rules inside a write transaction.
func (s *Store) resolve(txn *badger.Txn, current *Relation, incoming Relation) error {
	if current == nil {
		incoming.TValid = incoming.TOccurred
		incoming.TInvalid = nil
		return s.putRelation(txn, incoming)
	}

	// Merge path for counter-bearing multi-valued facts.
	if MultiValued(incoming.Type) {
		merged := mergeCounters(*current, incoming)
		return s.putRelation(txn, merged)
	}

	occurredDelta := incoming.TOccurred.Sub(current.TOccurred)
	if occurredDelta < 0 {
		occurredDelta = -occurredDelta
	}

	switch {
	case occurredDelta <= s.cfg.TieBreakWindow && incoming.Confidence < current.Confidence:
		// Audit trail, not authoritative: empty validity interval.
		invalid := incoming.TIngested
		incoming.TValid = incoming.TIngested
		incoming.TInvalid = &invalid
		s.logger.Debug("recorded lower-confidence alternative",
			slog.String("slot", incoming.Source+"/"+incoming.Type),
			slog.Float64("confidence", incoming.Confidence))
		return s.putRelation(txn, incoming)

	case !incoming.TOccurred.Before(current.TOccurred):
		// More recent real-world fact wins.
		invalid := incoming.TOccurred
		current.TInvalid = &invalid
		if err := s.putRelation(txn, *current); err != nil {
			return err
		}
		incoming.TValid = incoming.TOccurred
		incoming.TInvalid = nil
		return s.putRelation(txn, incoming)

	default:
		// Older than what's on record: fill the historical gap without
		// touching the current fact.
		gapEnd := current.TOccurred
		incoming.TValid = incoming.TOccurred
		incoming.TInvalid = &gapEnd
		return s.putRelation(txn, incoming)
	}
}

// UpsertRelationsOnce applies a batch of relation writes at most once per
// marker key.
//
// Description:
//
//	The marker and every relation write commit in one transaction. A
//	re-delivered event (the pipeline is at-least-once, and a crash
//	between apply and ack replays the whole batch) finds the marker and
//	becomes a no-op, so counter merges cannot double-apply. Each relation
//	goes through the same conflict resolution as UpsertRelation.
//
// Outputs:
//
//	error - ErrConflict after two optimistic-concurrency collisions;
//	        the caller should requeue rather than drop the batch.
func (s *Store) UpsertRelationsOnce(ctx context.Context, marker string, rels []Relation) error {
	if marker == "" {
		return errors.New("marker must not be empty")
	}

	now := s.now().UTC()
	for i := range rels {
		r := &rels[i]
		if r.Source == "" || r.Type == "" || r.Target == "" {
			return fmt.Errorf("%w: relation source, type, and target required", ErrEmptySubject)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return ErrInvalidConfidence
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.TIngested.IsZero() {
			r.TIngested = now
		}
		if r.TOccurred.IsZero() {
			r.TOccurred = r.TIngested
		}
	}

	markerKey := []byte(prefixApplied + marker)
	err := s.withConflictRetry(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(markerKey)
		if err == nil {
			s.logger.Debug("batch already applied, skipping", slog.String("marker", marker))
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for _, rel := range rels {
			current, err := s.currentInTxn(txn, rel.Source, rel.Type, rel.Target)
			if err != nil {
				return err
			}
			if err := s.resolve(txn, current, rel); err != nil {
				return err
			}
		}
		return txn.Set(markerKey, []byte(now.Format(time.RFC3339)))
	})
	if err != nil {
		return fmt.Errorf("applying relation batch %s: %w", marker, err)
	}
	return nil
}

// QueryAsOf returns the fact for (subject, relationType) whose validity
// interval contains ts, preferring higher confidence when intervals overlap.
//
// Outputs:
//
//	*Relation - The matching fact.
//	error - ErrFactNotFound when nothing covers ts.
func (s *Store) QueryAsOf(ctx context.Context, subject, relationType string, ts time.Time) (*Relation, error) {
	relations, err := s.slotRelations(subject, relationType)
	if err != nil {
		return nil, err
	}

	var best *Relation
	for i := range relations {
		r := &relations[i]
		if !r.ValidAt(ts) {
			continue
		}
		if best == nil || r.Confidence > best.Confidence {
			best = r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s %s at %s", ErrFactNotFound, subject, relationType, ts.Format(time.RFC3339))
	}
	return best, nil
}

// CurrentFacts returns every currently valid relation for a subject across
// all relation types. Used by the inference engine to assemble context.
func (s *Store) CurrentFacts(ctx context.Context, subject string) ([]Relation, error) {
	var facts []Relation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRelation + subject + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r Relation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			if r.Current() {
				facts = append(facts, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning facts for %s: %w", subject, err)
	}
	return facts, nil
}

// History returns every relation ever recorded for a slot, audit records
// included, ordered as stored.
func (s *Store) History(ctx context.Context, subject, relationType string) ([]Relation, error) {
	return s.slotRelations(subject, relationType)
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// withConflictRetry runs fn in a read-write transaction, retrying once on
// an optimistic-concurrency collision. A second collision surfaces as
// ErrConflict for the pipeline's requeue path.
func (s *Store) withConflictRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("write conflict, retrying once", slog.Int("attempt", attempt+1))
	}
	return ErrConflict
}

// currentInTxn finds the currently valid relation for a slot. For
// multi-valued types the slot includes the target.
func (s *Store) currentInTxn(txn *badger.Txn, source, relationType, target string) (*Relation, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixRelation + source + "/" + relationType + "/")
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var r Relation
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		}); err != nil {
			return nil, err
		}
		if !r.Current() {
			continue
		}
		if MultiValued(relationType) && r.Target != target {
			continue
		}
		return &r, nil
	}
	return nil, nil
}

func (s *Store) slotRelations(subject, relationType string) ([]Relation, error) {
	var relations []Relation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRelation + subject + "/" + relationType + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r Relation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			relations = append(relations, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning slot %s/%s: %w", subject, relationType, err)
	}
	return relations, nil
}

func (s *Store) putRelation(txn *badger.Txn, rel Relation) error {
	data, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	key := prefixRelation + rel.Source + "/" + rel.Type + "/" + rel.ID
	return txn.Set([]byte(key), data)
}

// mergeEntity folds a fresh entity write over the prior record.
func mergeEntity(prior, next Entity) Entity {
	if next.Properties == nil {
		next.Properties = map[string]any{}
	}
	for k, v := range prior.Properties {
		if _, ok := next.Properties[k]; !ok {
			next.Properties[k] = v
		}
	}
	if prior.Confidence > next.Confidence {
		next.Confidence = prior.Confidence
	}
	if !prior.TValid.IsZero() && prior.TValid.Before(next.TValid) {
		next.TValid = prior.TValid
	}
	return next
}

// mergeCounters folds an incoming multi-valued fact into the current one,
// summing the count property and keeping the higher confidence. The merged
// record keeps the current fact's identity and validity.
func mergeCounters(current, incoming Relation) Relation {
	if current.Properties == nil {
		current.Properties = map[string]any{}
	}
	current.Properties["count"] = asFloat(current.Properties["count"]) + maxFloat(asFloat(incoming.Properties["count"]), 1)
	if incoming.Confidence > current.Confidence {
		current.Confidence = incoming.Confidence
	}
	if incoming.TOccurred.After(current.TOccurred) {
		current.Properties["last_seen"] = incoming.TOccurred.Format(time.RFC3339)
	}
	return current
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
