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
	"testing"
	"time"

	"github.com/AleutianAI/quotewise/services/learning/capture"
)

func newTestUpdater(t *testing.T) (*Updater, *Store) {
	t.Helper()
	store := newTestStore(t)
	u, err := NewUpdater(store, nil)
	if err != nil {
		t.Fatalf("NewUpdater: %v", err)
	}
	return u, store
}

func rawPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestUpdater_Name(t *testing.T) {
	u, _ := newTestUpdater(t)
	if u.Name() != "knowledge" {
		t.Errorf("Name = %q, want knowledge", u.Name())
	}
}

func TestUpdater_ApplyCorrection(t *testing.T) {
	u, store := newTestUpdater(t)
	ctx := context.Background()
	occurred := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	event := &capture.InteractionEvent{
		EventID:   "evt-1",
		EventType: capture.TypeCorrection,
		ActorID:   "user-1",
		OrgID:     "org-1",
		Payload: rawPayload(t, capture.CorrectionPayload{
			Item:       "steel-beam",
			OldValue:   120,
			NewValue:   135,
			Quantity:   4,
			OccurredAt: occurred,
		}),
		Timestamp: occurred.Add(48 * time.Hour),
	}
	if err := u.Apply(ctx, event); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Price fact occurs at the caller-supplied real-world time, not at
	// ingestion.
	fact, err := store.QueryAsOf(ctx, "product/org-1/steel-beam", RelPrice, occurred)
	if err != nil {
		t.Fatalf("QueryAsOf: %v", err)
	}
	if fact.Properties["unit_price"] != 135.0 {
		t.Errorf("unit_price = %v, want 135", fact.Properties["unit_price"])
	}
	if fact.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want 0.95", fact.Confidence)
	}
	if !fact.TOccurred.Equal(occurred) {
		t.Errorf("TOccurred = %v, want %v", fact.TOccurred, occurred)
	}

	// Product entity is created alongside.
	if _, err := store.Entity(ctx, "product", "org-1/steel-beam"); err != nil {
		t.Errorf("product entity missing: %v", err)
	}
}

func TestUpdater_ApplyCompletion(t *testing.T) {
	u, store := newTestUpdater(t)
	ctx := context.Background()
	ts := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	event := &capture.InteractionEvent{
		EventID:   "evt-2",
		EventType: capture.TypeCompletion,
		ActorID:   "user-1",
		OrgID:     "org-1",
		Context: capture.Context{
			PricingConfig: map[string]any{"margin": 0.18},
		},
		Payload: rawPayload(t, capture.CompletionPayload{
			QuoteID: "q-7",
			LineItems: []capture.CompletionLineItem{
				{Item: "widget-a", Quantity: 2, UnitPrice: 9.5},
				{Item: "widget-b", Quantity: 1, UnitPrice: 4.0},
			},
			Total:  23.0,
			Rating: 5,
		}),
		Timestamp: ts,
	}
	if err := u.Apply(ctx, event); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Per-line price facts.
	fa, err := store.QueryAsOf(ctx, "product/org-1/widget-a", RelPrice, ts)
	if err != nil {
		t.Fatalf("price fact a: %v", err)
	}
	if fa.Properties["unit_price"] != 9.5 || fa.Confidence != 0.7 {
		t.Errorf("fact a = %+v", fa)
	}

	// Pairwise co-occurrence in both directions.
	coAB, err := store.QueryAsOf(ctx, "product/org-1/widget-a", RelCoOccurs, ts)
	if err != nil {
		t.Fatalf("co-occurrence a->b: %v", err)
	}
	if coAB.Target != "product/org-1/widget-b" {
		t.Errorf("co-occurrence target = %q", coAB.Target)
	}
	if _, err := store.QueryAsOf(ctx, "product/org-1/widget-b", RelCoOccurs, ts); err != nil {
		t.Fatalf("co-occurrence b->a: %v", err)
	}

	// Org pricing profile from the context snapshot.
	profile, err := store.QueryAsOf(ctx, "org/org-1", RelPricingProfile, ts)
	if err != nil {
		t.Fatalf("pricing profile: %v", err)
	}
	if profile.Properties["margin"] != 0.18 {
		t.Errorf("profile margin = %v", profile.Properties["margin"])
	}
}

func TestUpdater_ApplyCompletion_RepeatPairIncrementsCount(t *testing.T) {
	u, store := newTestUpdater(t)
	ctx := context.Background()
	ts := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	payload := rawPayload(t, capture.CompletionPayload{
		QuoteID: "q-7",
		LineItems: []capture.CompletionLineItem{
			{Item: "widget-a", Quantity: 1, UnitPrice: 9.5},
			{Item: "widget-b", Quantity: 1, UnitPrice: 4.0},
		},
	})
	for i, id := range []string{"evt-1", "evt-2"} {
		event := &capture.InteractionEvent{
			EventID:   id,
			EventType: capture.TypeCompletion,
			ActorID:   "user-1",
			OrgID:     "org-1",
			Payload:   payload,
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
		}
		if err := u.Apply(ctx, event); err != nil {
			t.Fatalf("Apply %s: %v", id, err)
		}
	}

	facts, err := store.CurrentFacts(ctx, "product/org-1/widget-a")
	if err != nil {
		t.Fatalf("CurrentFacts: %v", err)
	}
	for _, f := range facts {
		if f.Type == RelCoOccurs {
			if f.Properties["count"] != 2.0 {
				t.Errorf("co-occurrence count = %v, want 2", f.Properties["count"])
			}
			return
		}
	}
	t.Fatal("no co-occurrence fact found")
}

func TestUpdater_ApplyCompletion_Idempotent(t *testing.T) {
	// The pipeline delivers at least once, so the same completion can
	// reach Apply twice. The duplicate must not inflate co-occurrence
	// counts or stack a second price fact.
	u, store := newTestUpdater(t)
	ctx := context.Background()
	ts := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	event := &capture.InteractionEvent{
		EventID:   "evt-9",
		EventType: capture.TypeCompletion,
		ActorID:   "user-1",
		OrgID:     "org-1",
		Payload: rawPayload(t, capture.CompletionPayload{
			QuoteID: "q-7",
			LineItems: []capture.CompletionLineItem{
				{Item: "widget-a", Quantity: 1, UnitPrice: 9.5},
				{Item: "widget-b", Quantity: 1, UnitPrice: 4.0},
			},
			Rating: 5,
		}),
		Timestamp: ts,
	}
	if err := u.Apply(ctx, event); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := u.Apply(ctx, event); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	facts, err := store.CurrentFacts(ctx, "product/org-1/widget-a")
	if err != nil {
		t.Fatalf("CurrentFacts: %v", err)
	}
	prices, coOccurs := 0, 0
	for _, f := range facts {
		switch f.Type {
		case RelPrice:
			prices++
		case RelCoOccurs:
			coOccurs++
			if f.Properties["count"] != 1.0 {
				t.Errorf("co-occurrence count = %v, want 1", f.Properties["count"])
			}
		}
	}
	if prices != 1 {
		t.Errorf("current price facts = %d, want 1", prices)
	}
	if coOccurs != 1 {
		t.Errorf("co-occurrence facts = %d, want 1", coOccurs)
	}
}

func TestUpdater_ApplySelection(t *testing.T) {
	u, store := newTestUpdater(t)
	ctx := context.Background()
	ts := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	event := &capture.InteractionEvent{
		EventID:   "evt-3",
		EventType: capture.TypeSelection,
		ActorID:   "user-7",
		OrgID:     "org-1",
		Payload: rawPayload(t, capture.SelectionPayload{
			Item:       "widget-a",
			Confidence: 0.8,
		}),
		Timestamp: ts,
	}
	if err := u.Apply(ctx, event); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	pref, err := store.QueryAsOf(ctx, "actor/user-7", RelPrefers, ts)
	if err != nil {
		t.Fatalf("preference fact: %v", err)
	}
	if pref.Target != "product/org-1/widget-a" {
		t.Errorf("preference target = %q", pref.Target)
	}
	if pref.Confidence != 0.8 {
		t.Errorf("preference confidence = %v, want caller-reported 0.8", pref.Confidence)
	}
}

func TestUpdater_ApplyRejection_NoFacts(t *testing.T) {
	u, store := newTestUpdater(t)
	ctx := context.Background()

	event := &capture.InteractionEvent{
		EventID:   "evt-4",
		EventType: capture.TypeRejection,
		ActorID:   "user-1",
		OrgID:     "org-1",
		Payload:   rawPayload(t, capture.RejectionPayload{Reason: "too expensive"}),
		Timestamp: time.Now().UTC(),
	}
	if err := u.Apply(ctx, event); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	facts, err := store.CurrentFacts(ctx, "actor/user-1")
	if err != nil {
		t.Fatalf("CurrentFacts: %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("rejection should produce no facts, got %d", len(facts))
	}
}

func TestUpdater_Apply_Idempotent(t *testing.T) {
	// Re-applying the same correction event (pipeline at-least-once) must
	// not create a second current fact.
	u, store := newTestUpdater(t)
	ctx := context.Background()
	occurred := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	event := &capture.InteractionEvent{
		EventID:   "evt-5",
		EventType: capture.TypeCorrection,
		ActorID:   "user-1",
		OrgID:     "org-1",
		Payload: rawPayload(t, capture.CorrectionPayload{
			Item:       "steel-beam",
			OldValue:   120,
			NewValue:   135,
			OccurredAt: occurred,
		}),
		Timestamp: occurred,
	}
	if err := u.Apply(ctx, event); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := u.Apply(ctx, event); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	facts, err := store.CurrentFacts(ctx, "product/org-1/steel-beam")
	if err != nil {
		t.Fatalf("CurrentFacts: %v", err)
	}
	current := 0
	for _, f := range facts {
		if f.Type == RelPrice {
			current++
		}
	}
	if current != 1 {
		t.Errorf("current price facts = %d, want 1", current)
	}
}
