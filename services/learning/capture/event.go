// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capture validates and records interaction events from the quoting
// pipeline.
//
// An InteractionEvent describes something a user did with a quote: corrected
// a unit price, selected a product, completed a transaction, or rejected a
// suggestion. Events are append-only facts. Corrections to past events are
// new events, never mutations.
//
// The capture path is the only synchronous entry into the learning core.
// Everything downstream (knowledge graph, exemplars, strategy counters)
// consumes events asynchronously through the pipeline package.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Sentinel errors for the capture service.
var (
	// ErrValidation indicates a malformed event payload. Rejected
	// synchronously, never retried.
	ErrValidation = errors.New("event payload failed validation")

	// ErrUnknownEventType indicates an event type outside the four
	// supported kinds.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrEmptyActor is returned when actor_id is missing.
	ErrEmptyActor = errors.New("actor_id must not be empty")

	// ErrEmptyOrg is returned when org_id is missing.
	ErrEmptyOrg = errors.New("org_id must not be empty")
)

// EventType classifies an interaction event.
type EventType string

const (
	// TypeCorrection records a user overriding a suggested value. Always
	// high-signal: it carries both the wrong answer and the right one.
	TypeCorrection EventType = "correction"

	// TypeSelection records a user picking a product or line item.
	TypeSelection EventType = "selection"

	// TypeCompletion records a finished transaction with its final
	// line items and pricing.
	TypeCompletion EventType = "completion"

	// TypeRejection records a user discarding a suggestion outright.
	TypeRejection EventType = "rejection"
)

// Valid reports whether the event type is one of the four supported kinds.
func (t EventType) Valid() bool {
	switch t {
	case TypeCorrection, TypeSelection, TypeCompletion, TypeRejection:
		return true
	}
	return false
}

// Context is a snapshot of caller-visible state at capture time.
//
// The products list comes from the document-extraction service and the
// pricing config from the pricing-calculation service; both are opaque to
// the learning core and are stored verbatim for later retrieval.
type Context struct {
	Products      []Product      `json:"products,omitempty"`
	PricingConfig map[string]any `json:"pricing_config,omitempty"`
	QuoteID       string         `json:"quote_id,omitempty"`
	ClientName    string         `json:"client_name,omitempty"`
}

// Product is one extracted product reference inside a context snapshot.
type Product struct {
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	UnitPrice float64 `json:"unit_price,omitempty"`
}

// Outcome records what ultimately happened with an event's subject, filled
// in when known. Nil until then.
type Outcome struct {
	// Result is "accepted", "corrected", or "rejected".
	Result string `json:"result,omitempty"`

	// Rating is a 1-5 quality rating when the caller supplied one.
	Rating int `json:"rating,omitempty"`
}

// InteractionEvent is the immutable record of one user interaction.
//
// Events are never edited or deleted after creation. The Payload field holds
// the type-specific action body, validated against the matching schema
// before the event is persisted.
type InteractionEvent struct {
	EventID   string          `json:"event_id"`
	EventType EventType       `json:"event_type"`
	ActorID   string          `json:"actor_id"`
	OrgID     string          `json:"org_id"`
	Context   Context         `json:"context"`
	Payload   json.RawMessage `json:"payload"`
	Outcome   *Outcome        `json:"outcome,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Per-type payload schemas
// -----------------------------------------------------------------------------

// CorrectionPayload is the action body of a correction event.
type CorrectionPayload struct {
	// Item is the product or line item the correction applies to.
	Item string `json:"item" validate:"required"`

	// Field names what was corrected, e.g. "unit_price". Defaults to
	// "unit_price" when empty.
	Field string `json:"field,omitempty"`

	OldValue float64 `json:"old_value" validate:"gte=0"`
	NewValue float64 `json:"new_value" validate:"required,gt=0"`
	Quantity float64 `json:"quantity,omitempty" validate:"gte=0"`

	// OccurredAt is when the corrected fact became true in the real world,
	// if the caller knows it. Zero means "now".
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// SelectionPayload is the action body of a selection event.
type SelectionPayload struct {
	Item       string  `json:"item" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Quantity   float64 `json:"quantity,omitempty" validate:"gte=0"`
}

// CompletionLineItem is one line of a completed transaction.
type CompletionLineItem struct {
	Item      string  `json:"item" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"gte=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

// CompletionPayload is the action body of a completion event.
type CompletionPayload struct {
	QuoteID   string               `json:"quote_id" validate:"required"`
	LineItems []CompletionLineItem `json:"line_items" validate:"required,min=1,dive"`
	Total     float64              `json:"total,omitempty" validate:"gte=0"`

	// Rating is the caller-reported outcome quality, 1-5. Zero means
	// no rating was given.
	Rating int `json:"rating,omitempty" validate:"gte=0,lte=5"`
}

// RejectionPayload is the action body of a rejection event.
type RejectionPayload struct {
	Reason string `json:"reason" validate:"required"`

	// QuoteID and PullID tie the rejection back to the prediction whose
	// suggestion was rejected, when known.
	QuoteID string `json:"quote_id,omitempty"`
	PullID  string `json:"pull_id,omitempty"`
}

// FeedbackFields are the bandit-relevant fields shared by event payloads
// that close the feedback loop on a prediction. They piggyback on the
// type-specific payloads above rather than forming a fifth event type.
type FeedbackFields struct {
	PullID       string `json:"pull_id,omitempty"`
	PredictionID string `json:"prediction_id,omitempty"`
	FeedbackType string `json:"feedback_type,omitempty"`
	Rating       int    `json:"rating,omitempty"`
}

// validate is shared across calls; validator.Validate is thread-safe and
// caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidatePayload checks a raw payload against the schema for its event type.
//
// Outputs:
//
//	error - Wraps ErrValidation (or ErrUnknownEventType) on any mismatch.
func ValidatePayload(eventType EventType, payload json.RawMessage) error {
	var target any
	switch eventType {
	case TypeCorrection:
		target = &CorrectionPayload{}
	case TypeSelection:
		target = &SelectionPayload{}
	case TypeCompletion:
		target = &CompletionPayload{}
	case TypeRejection:
		target = &RejectionPayload{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// FeedbackOf extracts the feedback piggyback fields from a payload.
// Returns the zero value when none are present.
func FeedbackOf(payload json.RawMessage) FeedbackFields {
	var f FeedbackFields
	_ = json.Unmarshal(payload, &f)
	return f
}
