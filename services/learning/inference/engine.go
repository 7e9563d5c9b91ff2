// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inference produces personalized pricing predictions from the
// knowledge graph, the exemplar store, and the strategy bandit.
//
// Predict never fails outward. Every degradation has a defined output: a
// missing provider falls back to the strongest stored signal with capped
// confidence, and a total outage yields an explicit "unavailable" answer
// with zero confidence. Callers decide what to do with a weak answer; the
// engine's job is to always produce one.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/quotewise/services/learning/bandit"
	"github.com/AleutianAI/quotewise/services/learning/capture"
	"github.com/AleutianAI/quotewise/services/learning/exemplar"
	"github.com/AleutianAI/quotewise/services/learning/knowledge"
	"github.com/AleutianAI/quotewise/services/learning/llm"
)

var tracer = otel.Tracer("quotewise.learning.inference")

// ErrPredictionNotFound indicates an unknown prediction id on feedback.
var ErrPredictionNotFound = errors.New("prediction not found")

// Prediction sources.
const (
	// SourceModel marks a prediction produced by the generation provider.
	SourceModel = "model"

	// SourceFallback marks a deterministic answer assembled from stored
	// facts after the provider failed. Confidence is capped at
	// FallbackConfidenceCap.
	SourceFallback = "fallback"

	// SourceUnavailable marks the empty answer produced when neither the
	// provider nor any stored signal can help.
	SourceUnavailable = "unavailable"
)

// FallbackConfidenceCap bounds the confidence of any non-model answer.
const FallbackConfidenceCap = 0.4

// DecisionPricing is the default bandit decision type for price predictions.
const DecisionPricing = "pricing"

// FactSource supplies currently valid facts about a subject.
type FactSource interface {
	CurrentFacts(ctx context.Context, subject string) ([]knowledge.Relation, error)
}

// ExemplarRetriever supplies ranked similar past examples.
type ExemplarRetriever interface {
	Retrieve(ctx context.Context, orgID, query string, queryQuantity float64, k int) ([]exemplar.Scored, error)
}

// StrategySelector picks the inference strategy for this prediction.
type StrategySelector interface {
	SelectArm(ctx context.Context, orgID, decisionType string, pullContext map[string]any) (armName, pullID string, err error)
}

// Request asks for one price prediction.
type Request struct {
	OrgID    string          `json:"org_id"`
	ActorID  string          `json:"actor_id"`
	Item     string          `json:"item"`
	Quantity float64         `json:"quantity,omitempty"`
	Context  capture.Context `json:"context,omitempty"`
}

// Prediction is the engine's answer, always present even when degraded.
type Prediction struct {
	PredictionID string    `json:"prediction_id"`
	PullID       string    `json:"pull_id,omitempty"`
	OrgID        string    `json:"org_id"`
	Item         string    `json:"item"`
	UnitPrice    float64   `json:"unit_price"`
	Quantity     float64   `json:"quantity,omitempty"`
	Rationale    string    `json:"rationale,omitempty"`
	Confidence   float64   `json:"confidence"`
	Source       string    `json:"source"`
	Strategy     string    `json:"strategy,omitempty"`
	FactCount    int       `json:"fact_count"`
	ExemplarIDs  []string  `json:"exemplar_ids,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config tunes the engine.
type Config struct {
	// ExemplarK is how many exemplars go into the prompt. Default: 5.
	ExemplarK int

	// AgreementTolerance is the relative price deviation from the stored
	// current price within which the model answer counts as agreeing with
	// the graph. Default: 0.10.
	AgreementTolerance float64

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ExemplarK == 0 {
		c.ExemplarK = 5
	}
	if c.AgreementTolerance == 0 {
		c.AgreementTolerance = 0.10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine assembles context, calls the provider, and scores the answer.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	facts     FactSource
	exemplars ExemplarRetriever
	selector  StrategySelector
	provider  llm.Client
	db        *badger.DB
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an inference engine.
//
// Inputs:
//
//	facts - Knowledge graph reader. Must not be nil.
//	exemplars - Exemplar retriever. Must not be nil.
//	selector - Strategy bandit. Must not be nil.
//	provider - Generation backend. May be nil; the engine then always
//	           answers from facts (degraded deployments).
//	db - Open BadgerDB handle for prediction records. Must not be nil.
func NewEngine(facts FactSource, exemplars ExemplarRetriever, selector StrategySelector, provider llm.Client, db *badger.DB, cfg Config) (*Engine, error) {
	if facts == nil || exemplars == nil || selector == nil {
		return nil, errors.New("facts, exemplars, and selector must not be nil")
	}
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	cfg.applyDefaults()
	return &Engine{
		facts:     facts,
		exemplars: exemplars,
		selector:  selector,
		provider:  provider,
		db:        db,
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("component", "inference")),
		now:       time.Now,
	}, nil
}

// Predict produces one prediction. Never returns an error for provider or
// retrieval failures; only for malformed requests.
//
// Description:
//
//	Selects a strategy arm, gathers current facts for the product and
//	similar past exemplars, assembles the prompt, and calls the provider.
//	The answer is scored by evidence volume and agreement with the graph.
//	If the provider fails or returns garbage the engine answers from the
//	strongest stored price fact, or the best priced exemplar when the
//	graph has nothing, with confidence capped at 0.4; with no stored
//	signal at all it answers "unavailable" at confidence 0.
func (e *Engine) Predict(ctx context.Context, req Request) (*Prediction, error) {
	ctx, span := tracer.Start(ctx, "inference.Predict",
		trace.WithAttributes(
			attribute.String("org_id", req.OrgID),
			attribute.String("item", req.Item),
		))
	defer span.End()

	if req.OrgID == "" || req.Item == "" {
		return nil, errors.New("org_id and item must not be empty")
	}

	strategy, pullID := e.selectStrategy(ctx, req)

	subject := "product/" + req.OrgID + "/" + req.Item
	facts, err := e.facts.CurrentFacts(ctx, subject)
	if err != nil {
		e.logger.Warn("fact lookup failed, continuing without graph context",
			slog.String("subject", subject), slog.Any("error", err))
		facts = nil
	}

	query := exemplar.DescribeQuery(req.Context, req.Item, req.Quantity)
	similar, err := e.exemplars.Retrieve(ctx, req.OrgID, query, req.Quantity, e.cfg.ExemplarK)
	if err != nil {
		if !errors.Is(err, exemplar.ErrStoreDegraded) {
			e.logger.Warn("exemplar retrieval failed", slog.Any("error", err))
		}
		similar = nil
	}

	pred := e.generate(ctx, req, strategy, facts, similar)
	pred.PredictionID = uuid.NewString()
	pred.PullID = pullID
	pred.OrgID = req.OrgID
	pred.Strategy = strategy
	pred.FactCount = len(facts)
	pred.CreatedAt = e.now().UTC()
	for _, ex := range similar {
		pred.ExemplarIDs = append(pred.ExemplarIDs, ex.ExemplarID)
	}

	if err := e.saveRecord(pred); err != nil {
		// The prediction is still served; only the feedback join is lost.
		e.logger.Error("failed to persist prediction record",
			slog.String("prediction_id", pred.PredictionID), slog.Any("error", err))
	}

	span.SetAttributes(
		attribute.String("source", pred.Source),
		attribute.Float64("confidence", pred.Confidence),
	)
	span.SetStatus(codes.Ok, "predicted")
	e.logger.Info("served prediction",
		slog.String("prediction_id", pred.PredictionID),
		slog.String("item", req.Item),
		slog.String("source", pred.Source),
		slog.String("strategy", strategy),
		slog.Float64("confidence", pred.Confidence))
	return pred, nil
}

func (e *Engine) selectStrategy(ctx context.Context, req Request) (strategy, pullID string) {
	pullContext := map[string]any{"item": req.Item}
	if req.Quantity > 0 {
		pullContext["quantity"] = req.Quantity
	}
	strategy, pullID, err := e.selector.SelectArm(ctx, req.OrgID, DecisionPricing, pullContext)
	if err != nil {
		e.logger.Warn("strategy selection failed, using balanced",
			slog.Any("error", err))
		return bandit.ArmBalanced, ""
	}
	return strategy, pullID
}

// generate runs the provider path and every fallback beneath it.
func (e *Engine) generate(ctx context.Context, req Request, strategy string, facts []knowledge.Relation, similar []exemplar.Scored) *Prediction {
	if e.provider != nil {
		prompt := buildPrompt(req, strategy, facts, similar)
		raw, err := e.provider.Generate(ctx, prompt, defaultParams())
		if err == nil {
			if answer, perr := parseAnswer(raw); perr == nil {
				return e.scoreModelAnswer(req, answer, facts, similar)
			} else {
				e.logger.Warn("unparseable provider response, falling back",
					slog.Any("error", perr))
			}
		} else {
			e.logger.Warn("provider call failed, falling back", slog.Any("error", err))
		}
	}
	return e.fallback(req, facts, similar)
}

// scoreModelAnswer computes the confidence of a parsed provider answer.
//
// confidence = min(1, 0.2*facts + 0.15*exemplars) * agreement
//
// where agreement is 1.0 when the answer is within tolerance of the stored
// current price (or there is no stored price to disagree with) and 0.6
// otherwise.
func (e *Engine) scoreModelAnswer(req Request, answer *modelAnswer, facts []knowledge.Relation, similar []exemplar.Scored) *Prediction {
	evidence := 0.2*float64(len(facts)) + 0.15*float64(len(similar))
	if evidence > 1 {
		evidence = 1
	}

	agreement := 1.0
	if known, ok := currentPrice(facts); ok && answer.UnitPrice > 0 {
		deviation := (answer.UnitPrice - known) / known
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > e.cfg.AgreementTolerance {
			agreement = 0.6
		}
	}

	quantity := answer.Quantity
	if quantity == 0 {
		quantity = req.Quantity
	}
	return &Prediction{
		Item:       req.Item,
		UnitPrice:  answer.UnitPrice,
		Quantity:   quantity,
		Rationale:  answer.Rationale,
		Confidence: evidence * agreement,
		Source:     SourceModel,
	}
}

// fallback answers from the strongest stored signal: the graph's current
// price first, the best-ranked priced exemplar second.
func (e *Engine) fallback(req Request, facts []knowledge.Relation, similar []exemplar.Scored) *Prediction {
	confidence := 0.2*float64(len(facts)) + 0.15*float64(len(similar))
	if confidence > FallbackConfidenceCap {
		confidence = FallbackConfidenceCap
	}

	if price, ok := currentPrice(facts); ok {
		return &Prediction{
			Item:       req.Item,
			UnitPrice:  price,
			Quantity:   req.Quantity,
			Rationale:  "last known price from interaction history",
			Confidence: confidence,
			Source:     SourceFallback,
		}
	}

	if price, ok := exemplarPrice(similar); ok {
		return &Prediction{
			Item:       req.Item,
			UnitPrice:  price,
			Quantity:   req.Quantity,
			Rationale:  "price from the closest past example",
			Confidence: confidence,
			Source:     SourceFallback,
		}
	}

	return &Prediction{
		Item:       req.Item,
		UnitPrice:  0,
		Quantity:   req.Quantity,
		Rationale:  "no provider and no stored pricing signal for this item",
		Confidence: 0,
		Source:     SourceUnavailable,
	}
}

// currentPrice finds the highest-confidence current price fact.
func currentPrice(facts []knowledge.Relation) (float64, bool) {
	best := -1.0
	bestConfidence := -1.0
	for _, f := range facts {
		if f.Type != knowledge.RelPrice {
			continue
		}
		price := propFloat(f.Properties, "unit_price")
		if price <= 0 {
			continue
		}
		if f.Confidence > bestConfidence {
			best = price
			bestConfidence = f.Confidence
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// priceInOutput matches the priced-answer rendering the exemplar filter
// writes ("<item> priced at <value> per unit"); selection exemplars carry
// no price and never match.
var priceInOutput = regexp.MustCompile(`priced at ([0-9]+(?:\.[0-9]+)?)`)

// exemplarPrice finds the first priced answer among ranked exemplars.
// The slice arrives best-first from the reranker.
func exemplarPrice(similar []exemplar.Scored) (float64, bool) {
	for _, ex := range similar {
		m := priceInOutput.FindStringSubmatch(ex.Output)
		if m == nil {
			continue
		}
		price, err := strconv.ParseFloat(m[1], 64)
		if err != nil || price <= 0 {
			continue
		}
		return price, true
	}
	return 0, false
}

func propFloat(props map[string]any, key string) float64 {
	switch n := props[key].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func defaultParams() llm.GenerationParams {
	temp := float32(0.1)
	maxTokens := 512
	return llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
}

// -----------------------------------------------------------------------------
// Prediction records
// -----------------------------------------------------------------------------

const prefixPrediction = "pred/"

func (e *Engine) saveRecord(pred *Prediction) error {
	data, err := json.Marshal(pred)
	if err != nil {
		return err
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixPrediction+pred.PredictionID), data)
	})
}

// Record loads a stored prediction by id.
func (e *Engine) Record(ctx context.Context, predictionID string) (*Prediction, error) {
	var pred Prediction
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixPrediction + predictionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &pred)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPredictionNotFound, predictionID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading prediction: %w", err)
	}
	return &pred, nil
}
