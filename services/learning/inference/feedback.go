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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/quotewise/services/learning/capture"
)

// Feedback kinds accepted on a prediction.
const (
	FeedbackCorrection = "correction"
	FeedbackAcceptance = "acceptance"
	FeedbackRejection  = "rejection"
	FeedbackRating     = "rating"
)

// ErrUnknownFeedbackType is returned for feedback kinds outside the four
// supported ones.
var ErrUnknownFeedbackType = errors.New("unknown feedback type")

// Feedback is caller-supplied feedback on a served prediction.
type Feedback struct {
	PredictionID   string  `json:"prediction_id"`
	ActorID        string  `json:"actor_id"`
	FeedbackType   string  `json:"feedback_type"`
	CorrectedPrice float64 `json:"corrected_price,omitempty"`
	Rating         int     `json:"rating,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	QuoteID        string  `json:"quote_id,omitempty"`
}

// EventCapturer records an interaction event. Implemented by
// capture.Service.
type EventCapturer interface {
	Capture(ctx context.Context, eventType capture.EventType, actorID, orgID string, snapshot capture.Context, payload json.RawMessage) (*capture.InteractionEvent, error)
}

// RecordFeedback converts prediction feedback into an interaction event.
//
// Description:
//
//	Loads the prediction record, maps the feedback kind onto the matching
//	event type, and stamps the pull id so the bandit updater can route
//	the reward back to the strategy arm that produced the prediction.
//	Everything downstream of capture is asynchronous: the knowledge,
//	exemplar, and bandit updaters all see the same event.
//
// Outputs:
//
//	*capture.InteractionEvent - The recorded event.
//	error - ErrPredictionNotFound for an unknown prediction id;
//	        ErrUnknownFeedbackType for an unsupported kind.
func (e *Engine) RecordFeedback(ctx context.Context, capturer EventCapturer, fb Feedback) (*capture.InteractionEvent, error) {
	pred, err := e.Record(ctx, fb.PredictionID)
	if err != nil {
		return nil, err
	}

	eventType, payload, err := feedbackPayload(pred, fb)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding feedback payload: %w", err)
	}
	return capturer.Capture(ctx, eventType, fb.ActorID, pred.OrgID, capture.Context{}, data)
}

// feedbackPayload builds the event payload for one feedback kind. The pull
// and prediction ids ride along as piggyback fields next to the type's own
// schema fields.
func feedbackPayload(pred *Prediction, fb Feedback) (capture.EventType, map[string]any, error) {
	base := map[string]any{
		"prediction_id": pred.PredictionID,
		"feedback_type": fb.FeedbackType,
	}
	if pred.PullID != "" {
		base["pull_id"] = pred.PullID
	}

	switch fb.FeedbackType {
	case FeedbackCorrection:
		if fb.CorrectedPrice <= 0 {
			return "", nil, fmt.Errorf("correction feedback requires a positive corrected_price")
		}
		base["item"] = pred.Item
		base["old_value"] = pred.UnitPrice
		base["new_value"] = fb.CorrectedPrice
		if pred.Quantity > 0 {
			base["quantity"] = pred.Quantity
		}
		return capture.TypeCorrection, base, nil

	case FeedbackAcceptance:
		base["item"] = pred.Item
		base["confidence"] = pred.Confidence
		if pred.Quantity > 0 {
			base["quantity"] = pred.Quantity
		}
		return capture.TypeSelection, base, nil

	case FeedbackRejection:
		reason := fb.Reason
		if reason == "" {
			reason = "prediction rejected"
		}
		base["reason"] = reason
		if fb.QuoteID != "" {
			base["quote_id"] = fb.QuoteID
		}
		return capture.TypeRejection, base, nil

	case FeedbackRating:
		if fb.Rating < 1 || fb.Rating > 5 {
			return "", nil, fmt.Errorf("rating feedback requires a rating between 1 and 5")
		}
		quoteID := fb.QuoteID
		if quoteID == "" {
			quoteID = pred.PredictionID
		}
		quantity := pred.Quantity
		if quantity == 0 {
			quantity = 1
		}
		base["quote_id"] = quoteID
		base["line_items"] = []map[string]any{{
			"item":       pred.Item,
			"quantity":   quantity,
			"unit_price": pred.UnitPrice,
		}}
		base["rating"] = fb.Rating
		return capture.TypeCompletion, base, nil
	}

	return "", nil, fmt.Errorf("%w: %q", ErrUnknownFeedbackType, fb.FeedbackType)
}
