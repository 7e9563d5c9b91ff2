// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/quotewise/services/learning/bandit"
	"github.com/AleutianAI/quotewise/services/learning/exemplar"
	"github.com/AleutianAI/quotewise/services/learning/knowledge"
	"github.com/AleutianAI/quotewise/services/learning/llm"
	"github.com/AleutianAI/quotewise/services/learning/storage"
)

// =============================================================================
// Test Fakes
// =============================================================================

type fakeFacts struct {
	facts    []knowledge.Relation
	err      error
	subjects []string
}

func (f *fakeFacts) CurrentFacts(_ context.Context, subject string) ([]knowledge.Relation, error) {
	f.subjects = append(f.subjects, subject)
	return f.facts, f.err
}

type fakeRetriever struct {
	results []exemplar.Scored
	err     error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _ string, _ float64, _ int) ([]exemplar.Scored, error) {
	return f.results, f.err
}

type fakeSelector struct {
	arm string
	err error
}

func (f *fakeSelector) SelectArm(_ context.Context, _, _ string, _ map[string]any) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	return f.arm, "pull-1", nil
}

type fakeProvider struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeProvider) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

// =============================================================================
// Test Helpers
// =============================================================================

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func priceFact(price, confidence float64) knowledge.Relation {
	return knowledge.Relation{
		Type:       knowledge.RelPrice,
		Properties: map[string]any{"unit_price": price},
		Confidence: confidence,
	}
}

func exemplarHit(id string) exemplar.Scored {
	return exemplar.Scored{
		Exemplar: exemplar.Exemplar{
			ExemplarID: id,
			Input:      "quote for widget",
			Output:     "priced at 100.00 per unit",
			CreatedAt:  time.Now().UTC(),
		},
		Similarity: 0.9,
		Score:      0.9,
	}
}

func newTestEngine(t *testing.T, facts FactSource, exemplars ExemplarRetriever, selector StrategySelector, provider llm.Client) *Engine {
	t.Helper()
	e, err := NewEngine(facts, exemplars, selector, provider, openTestDB(t), Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func testRequest() Request {
	return Request{OrgID: "org-1", ActorID: "user-1", Item: "steel-beam", Quantity: 4}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewEngine_Validation(t *testing.T) {
	db := openTestDB(t)
	facts := &fakeFacts{}
	retr := &fakeRetriever{}
	sel := &fakeSelector{arm: bandit.ArmBalanced}

	if _, err := NewEngine(nil, retr, sel, nil, db, Config{}); err == nil {
		t.Error("expected error for nil facts")
	}
	if _, err := NewEngine(facts, nil, sel, nil, db, Config{}); err == nil {
		t.Error("expected error for nil exemplars")
	}
	if _, err := NewEngine(facts, retr, nil, nil, db, Config{}); err == nil {
		t.Error("expected error for nil selector")
	}
	if _, err := NewEngine(facts, retr, sel, nil, nil, Config{}); err == nil {
		t.Error("expected error for nil db")
	}
	if _, err := NewEngine(facts, retr, sel, nil, db, Config{}); err != nil {
		t.Errorf("nil provider must be allowed: %v", err)
	}
}

// =============================================================================
// Predict Tests
// =============================================================================

func TestEngine_Predict_RequiresOrgAndItem(t *testing.T) {
	e := newTestEngine(t, &fakeFacts{}, &fakeRetriever{}, &fakeSelector{arm: bandit.ArmBalanced}, nil)

	if _, err := e.Predict(context.Background(), Request{Item: "x"}); err == nil {
		t.Error("expected error for empty org id")
	}
	if _, err := e.Predict(context.Background(), Request{OrgID: "org-1"}); err == nil {
		t.Error("expected error for empty item")
	}
}

func TestEngine_Predict_ModelPath(t *testing.T) {
	facts := &fakeFacts{facts: []knowledge.Relation{priceFact(100, 0.9), priceFact(98, 0.5)}}
	retr := &fakeRetriever{results: []exemplar.Scored{exemplarHit("ex-1"), exemplarHit("ex-2")}}
	provider := &fakeProvider{response: `{"item": "steel-beam", "unit_price": 102.0, "rationale": "recent history"}`}
	e := newTestEngine(t, facts, retr, &fakeSelector{arm: bandit.ArmPreferFacts}, provider)

	pred, err := e.Predict(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	if pred.Source != SourceModel {
		t.Errorf("Source = %q, want model", pred.Source)
	}
	if pred.UnitPrice != 102.0 {
		t.Errorf("UnitPrice = %v, want 102", pred.UnitPrice)
	}
	// 2 facts and 2 exemplars give evidence 0.7; 102 is within 10% of the
	// stored 100 so agreement stays 1.0.
	if math.Abs(pred.Confidence-0.7) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.7", pred.Confidence)
	}
	if pred.PredictionID == "" || pred.PullID != "pull-1" {
		t.Errorf("ids = %q/%q", pred.PredictionID, pred.PullID)
	}
	if pred.Strategy != bandit.ArmPreferFacts {
		t.Errorf("Strategy = %q", pred.Strategy)
	}
	if pred.FactCount != 2 || len(pred.ExemplarIDs) != 2 {
		t.Errorf("evidence = %d facts, %d exemplars", pred.FactCount, len(pred.ExemplarIDs))
	}
	if pred.Quantity != 4 {
		t.Errorf("Quantity = %v, want request quantity", pred.Quantity)
	}
	if facts.subjects[0] != "product/org-1/steel-beam" {
		t.Errorf("fact subject = %q", facts.subjects[0])
	}
}

func TestEngine_Predict_DisagreementDiscountsConfidence(t *testing.T) {
	facts := &fakeFacts{facts: []knowledge.Relation{priceFact(100, 0.9)}}
	// 150 deviates 50% from the stored price, far past the 10% tolerance.
	provider := &fakeProvider{response: `{"item": "steel-beam", "unit_price": 150.0}`}
	e := newTestEngine(t, facts, &fakeRetriever{}, &fakeSelector{arm: bandit.ArmBalanced}, provider)

	pred, err := e.Predict(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := 0.2 * 0.6 // one fact, agreement discount
	if math.Abs(pred.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %v, want %v", pred.Confidence, want)
	}
}

func TestEngine_Predict_EvidenceCapsAtOne(t *testing.T) {
	var many []knowledge.Relation
	for i := 0; i < 10; i++ {
		many = append(many, priceFact(100, 0.9))
	}
	provider := &fakeProvider{response: `{"item": "steel-beam", "unit_price": 100.0}`}
	e := newTestEngine(t, &fakeFacts{facts: many}, &fakeRetriever{}, &fakeSelector{arm: bandit.ArmBalanced}, provider)

	pred, err := e.Predict(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want capped at 1.0", pred.Confidence)
	}
}

func TestEngine_Predict_ProviderFailureFallsBack(t *testing.T) {
	facts := &fakeFacts{facts: []knowledge.Relation{priceFact(100, 0.6), priceFact(120, 0.9)}}
	provider := &fakeProvider{err: errors.New("connection refused")}
	e := newTestEngine(t, facts, &fakeRetriever{}, &fakeSelector{arm: bandit.ArmBalanced}, provider)

	pred, err := e.Predict(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("provider failure must not surface: %v", err)
	}
	if pred.Source != SourceFallback {
		t.Errorf("Source = %q, want fallback", pred.Source)
	}
	if pred.UnitPrice != 120 {
		t.Errorf("UnitPrice = %v, want highest-confidence stored price", pred.UnitPrice)
	}
	if pred.Confidence > FallbackConfidenceCap {
		t.Errorf("Confidence = %v, must not exceed %v", pred.Confidence, FallbackConfidenceCap)
	}
}

func TestEngine_Predict_FallbackUsesExemplars(t *testing.T) {
	// No graph facts, but a strong priced exemplar: the fallback must
	// serve it rather than answer unavailable.
	hit := exemplarHit("ex-1")
	hit.Output = "steel-beam priced at 135.50 per unit"
	retr := &fakeRetriever{results: []exemplar.Scored{hit}}
	e := newTestEngine(t, &fakeFacts{}, retr, &fakeSelector{arm: bandit.ArmBalanced}, nil)

	pred, err := e.Predict(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Source != SourceFallback {
		t.Errorf("Source = %q, want fallback", pred.Source)
	}
	if pred.UnitPrice != 135.5 {
		t.Errorf("UnitPrice = %v, want exemplar price 135.5", pred.UnitPrice)
	}
	if pred.Confidence <= 0 || pred.Confidence > FallbackConfidenceCap {
		t.Errorf("Confidence = %v, want in (0, %v]", pred.Confidence, FallbackConfidenceCap)
	}
}

func TestExemplarPrice(t *testing.T) {
	priced := exemplarHit("ex-1")
	priced.Output = "widget priced at 12.50 per unit"
	corrected := exemplarHit("ex-2")
	corrected.Output = "widget priced at 14.00 per unit (corrected from 12.50)"
	selection := exemplarHit("ex-3")
	selection.Output = "selected widget"
	zero := exemplarHit("ex-4")
	zero.Output = "widget priced at 0 per unit"

	t.Run("best-first ordering wins", func(t *testing.T) {
		price, ok := exemplarPrice([]exemplar.Scored{corrected, priced})
		if !ok || price != 14.0 {
			t.Errorf("price = %v ok = %v, want 14 from the top-ranked hit", price, ok)
		}
	})

	t.Run("unpriced outputs are skipped", func(t *testing.T) {
		price, ok := exemplarPrice([]exemplar.Scored{selection, zero, priced})
		if !ok || price != 12.5 {
			t.Errorf("price = %v ok = %v, want 12.5", price, ok)
		}
	})

	t.Run("nothing priced", func(t *testing.T) {
		if _, ok := exemplarPrice([]exemplar.Scored{selection}); ok {
			t.Error("selection exemplars carry no price")
		}
		if _, ok := exemplarPrice(nil); ok {
			t.Error("empty slice must not produce a price")
		}
	})
}

func TestEngine_Predict_UnparseableResponseFallsBack(t *testing.T) {
	facts := &fakeFacts{facts: []knowledge.Relation{priceFact(100, 0.9)}}
	provider := &fakeProvider{response: "I cannot price this item, sorry."}
	e := newTestEngine(t, facts, &fakeRetriever{}, &fakeSelector{arm: bandit.ArmBalanced}, provider)

	pred, err := e.Predict(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Source != SourceFallback || pred.UnitPrice != 100 {
		t.Errorf("got source %q price %v, want fallback from stored fact", pred.Source, pred.UnitPrice)
	}
}

func TestEngine_Predict_TotalOutageIsUnavailable(t *testing.T) {
	e := newTestEngine(t,
		&fakeFacts{err: errors.New("graph down")},
		&fakeRetriever{err: exemplar.ErrStoreDegraded},
		&fakeSelector{err: errors.New("bandit down")},
		nil)

	pred, err := e.Predict(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("total outage must still answer: %v", err)
	}
	if pred.Source != SourceUnavailable {
		t.Errorf("Source = %q, want unavailable", pred.Source)
	}
	if pred.UnitPrice != 0 || pred.Confidence != 0 {
		t.Errorf("degraded answer = price %v confidence %v, want zeros", pred.UnitPrice, pred.Confidence)
	}
	if pred.Strategy != bandit.ArmBalanced {
		t.Errorf("Strategy = %q, want balanced default", pred.Strategy)
	}
	if pred.PullID != "" {
		t.Errorf("PullID = %q, want empty when selection failed", pred.PullID)
	}
}

func TestEngine_Predict_SelectorFailureStillUsesProvider(t *testing.T) {
	provider := &fakeProvider{response: `{"item": "steel-beam", "unit_price": 50.0}`}
	e := newTestEngine(t, &fakeFacts{}, &fakeRetriever{}, &fakeSelector{err: errors.New("down")}, provider)

	pred, err := e.Predict(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Source != SourceModel {
		t.Errorf("Source = %q, want model", pred.Source)
	}
}

// =============================================================================
// Record Tests
// =============================================================================

func TestEngine_Record_Roundtrip(t *testing.T) {
	provider := &fakeProvider{response: `{"item": "steel-beam", "unit_price": 102.0}`}
	e := newTestEngine(t, &fakeFacts{facts: []knowledge.Relation{priceFact(100, 0.9)}},
		&fakeRetriever{}, &fakeSelector{arm: bandit.ArmBalanced}, provider)

	pred, err := e.Predict(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	got, err := e.Record(context.Background(), pred.PredictionID)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got.PredictionID != pred.PredictionID || got.UnitPrice != pred.UnitPrice || got.OrgID != "org-1" {
		t.Errorf("stored record = %+v", got)
	}
}

func TestEngine_Record_NotFound(t *testing.T) {
	e := newTestEngine(t, &fakeFacts{}, &fakeRetriever{}, &fakeSelector{arm: bandit.ArmBalanced}, nil)
	_, err := e.Record(context.Background(), "no-such-prediction")
	if !errors.Is(err, ErrPredictionNotFound) {
		t.Errorf("want ErrPredictionNotFound, got %v", err)
	}
}

// =============================================================================
// Fact Selection Tests
// =============================================================================

func TestCurrentPrice(t *testing.T) {
	t.Run("highest confidence wins", func(t *testing.T) {
		facts := []knowledge.Relation{priceFact(100, 0.5), priceFact(110, 0.95), priceFact(90, 0.7)}
		price, ok := currentPrice(facts)
		if !ok || price != 110 {
			t.Errorf("currentPrice = %v/%v, want 110", price, ok)
		}
	})

	t.Run("non-price facts ignored", func(t *testing.T) {
		facts := []knowledge.Relation{{Type: knowledge.RelCoOccurs, Target: "product/org-1/bolt", Confidence: 1.0}}
		if _, ok := currentPrice(facts); ok {
			t.Error("co-occurrence facts must not yield a price")
		}
	})

	t.Run("non-positive prices ignored", func(t *testing.T) {
		facts := []knowledge.Relation{priceFact(0, 0.9), priceFact(-5, 0.9)}
		if _, ok := currentPrice(facts); ok {
			t.Error("zero and negative prices must not be served")
		}
	})
}
