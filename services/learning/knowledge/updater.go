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
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/AleutianAI/quotewise/services/learning/capture"
)

// Confidence assigned to facts by their provenance. An explicit user
// correction is near-certain; a completed quote's line prices are strong;
// a selection carries whatever confidence the caller reported.
const (
	confidenceCorrection = 0.95
	confidenceCompletion = 0.7
)

// Updater folds interaction events into the knowledge graph. It is one of
// the three pipeline consumers.
type Updater struct {
	store  *Store
	logger *slog.Logger
}

// NewUpdater creates the knowledge-graph pipeline consumer.
func NewUpdater(store *Store, logger *slog.Logger) (*Updater, error) {
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		store:  store,
		logger: logger.With(slog.String("consumer", "knowledge")),
	}, nil
}

// Name implements pipeline.Consumer.
func (u *Updater) Name() string { return "knowledge" }

// Apply implements pipeline.Consumer.
//
// Description:
//
//	Corrections produce a high-confidence price fact occurring at the
//	caller-supplied real-world time. Completions produce per-line price
//	facts plus pairwise co-occurrence edges and, when the context carries
//	a pricing config, an org pricing-profile fact. Selections produce
//	actor preference edges. Rejections carry no graph-worthy fact.
//
//	All relation writes for one event commit in a single transaction
//	together with a per-event marker, so pipeline re-delivery of an
//	already-applied event is a no-op. Entity upserts run outside that
//	transaction; they merge properties and are harmless to re-run.
func (u *Updater) Apply(ctx context.Context, event *capture.InteractionEvent) error {
	switch event.EventType {
	case capture.TypeCorrection:
		return u.applyCorrection(ctx, event)
	case capture.TypeCompletion:
		return u.applyCompletion(ctx, event)
	case capture.TypeSelection:
		return u.applySelection(ctx, event)
	case capture.TypeRejection:
		return nil
	default:
		return fmt.Errorf("%w: %q", capture.ErrUnknownEventType, event.EventType)
	}
}

func (u *Updater) applyCorrection(ctx context.Context, event *capture.InteractionEvent) error {
	var p capture.CorrectionPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decoding correction payload: %w", err)
	}

	occurred := p.OccurredAt
	if occurred.IsZero() {
		occurred = event.Timestamp
	}

	if err := u.upsertProduct(ctx, event.OrgID, p.Item, confidenceCorrection); err != nil {
		return err
	}
	rel, err := u.priceFact(ctx, event.OrgID, p.Item, p.NewValue, p.Quantity, occurred, confidenceCorrection, "correction")
	if err != nil {
		return err
	}
	if err := u.store.UpsertRelationsOnce(ctx, u.marker(event), []Relation{rel}); err != nil {
		return fmt.Errorf("recording price for %s: %w", p.Item, err)
	}
	return nil
}

func (u *Updater) applyCompletion(ctx context.Context, event *capture.InteractionEvent) error {
	var p capture.CompletionPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decoding completion payload: %w", err)
	}

	var rels []Relation
	for _, line := range p.LineItems {
		if err := u.upsertProduct(ctx, event.OrgID, line.Item, confidenceCompletion); err != nil {
			return err
		}
		if line.UnitPrice > 0 {
			rel, err := u.priceFact(ctx, event.OrgID, line.Item, line.UnitPrice, line.Quantity, event.Timestamp, confidenceCompletion, "completion")
			if err != nil {
				return err
			}
			rels = append(rels, rel)
		}
	}

	// Pairwise directed co-occurrence edges between line items. Stored as
	// counter relations, traversed by indexed lookup.
	for i, a := range p.LineItems {
		for j, b := range p.LineItems {
			if i == j {
				continue
			}
			rels = append(rels, Relation{
				Source:     productRef(event.OrgID, a.Item),
				Target:     productRef(event.OrgID, b.Item),
				Type:       RelCoOccurs,
				Properties: map[string]any{"count": 1.0},
				TOccurred:  event.Timestamp,
				Confidence: confidenceCompletion,
			})
		}
	}

	if len(event.Context.PricingConfig) > 0 {
		profile := Entity{
			Type:       "pricing_profile",
			NaturalKey: event.OrgID,
			Properties: event.Context.PricingConfig,
			Source:     "completion",
			Confidence: confidenceCompletion,
		}
		if err := u.store.UpsertEntity(ctx, profile); err != nil {
			return err
		}
		rels = append(rels, Relation{
			Source:     "org/" + event.OrgID,
			Target:     profile.Ref(),
			Type:       RelPricingProfile,
			Properties: event.Context.PricingConfig,
			TOccurred:  event.Timestamp,
			Confidence: confidenceCompletion,
		})
	}

	if err := u.store.UpsertRelationsOnce(ctx, u.marker(event), rels); err != nil {
		return fmt.Errorf("applying completion %s: %w", event.EventID, err)
	}

	u.logger.Debug("applied completion",
		slog.String("event_id", event.EventID),
		slog.Int("line_items", len(p.LineItems)))
	return nil
}

func (u *Updater) applySelection(ctx context.Context, event *capture.InteractionEvent) error {
	var p capture.SelectionPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decoding selection payload: %w", err)
	}

	if err := u.upsertProduct(ctx, event.OrgID, p.Item, p.Confidence); err != nil {
		return err
	}
	rel := Relation{
		Source:     "actor/" + event.ActorID,
		Target:     productRef(event.OrgID, p.Item),
		Type:       RelPrefers,
		Properties: map[string]any{"count": 1.0},
		TOccurred:  event.Timestamp,
		Confidence: p.Confidence,
	}
	if err := u.store.UpsertRelationsOnce(ctx, u.marker(event), []Relation{rel}); err != nil {
		return fmt.Errorf("recording selection: %w", err)
	}
	return nil
}

// marker is the per-event idempotency key, scoped to this consumer.
func (u *Updater) marker(event *capture.InteractionEvent) string {
	return u.Name() + "/" + event.EventID
}

func (u *Updater) upsertProduct(ctx context.Context, orgID, item string, confidence float64) error {
	entity := Entity{
		Type:       "product",
		NaturalKey: orgID + "/" + item,
		Properties: map[string]any{"name": item, "org_id": orgID},
		Source:     "event",
		Confidence: confidence,
	}
	if err := u.store.UpsertEntity(ctx, entity); err != nil {
		return fmt.Errorf("upserting product %s: %w", item, err)
	}
	return nil
}

// priceFact upserts the price-point entity and returns the price relation
// for the event's batch.
func (u *Updater) priceFact(ctx context.Context, orgID, item string, unitPrice, quantity float64, occurred time.Time, confidence float64, source string) (Relation, error) {
	pricePoint := Entity{
		Type:       "price_point",
		NaturalKey: strconv.FormatFloat(unitPrice, 'f', 4, 64),
		Properties: map[string]any{"unit_price": unitPrice},
		Source:     source,
		Confidence: confidence,
	}
	if err := u.store.UpsertEntity(ctx, pricePoint); err != nil {
		return Relation{}, err
	}

	props := map[string]any{"unit_price": unitPrice}
	if quantity > 0 {
		props["quantity"] = quantity
	}
	return Relation{
		Source:     productRef(orgID, item),
		Target:     pricePoint.Ref(),
		Type:       RelPrice,
		Properties: props,
		TOccurred:  occurred,
		Confidence: confidence,
	}, nil
}

// productRef builds the graph key for a product scoped to an organization.
func productRef(orgID, item string) string {
	return "product/" + orgID + "/" + item
}
