// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/quotewise/services/learning/capture"
	"github.com/AleutianAI/quotewise/services/learning/inference"
	"github.com/AleutianAI/quotewise/services/learning/observability"
)

// Feedback handles POST /v1/feedback.
//
// Description:
//
//	Records feedback on a served prediction as a new interaction event.
//	The event flows through the same pipeline as direct captures, so the
//	knowledge graph, exemplar store, and strategy bandit all learn from
//	it. Returns 200 once the event is accepted; the learning effect is
//	asynchronous.
func Feedback(engine *inference.Engine, svc *capture.Service, metrics *observability.LearningMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var fb inference.Feedback
		if err := c.ShouldBindJSON(&fb); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if fb.PredictionID == "" || fb.ActorID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "prediction_id and actor_id are required"})
			return
		}

		event, err := engine.RecordFeedback(c.Request.Context(), svc, fb)
		if err != nil {
			switch {
			case errors.Is(err, inference.ErrPredictionNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, inference.ErrUnknownFeedbackType),
				errors.Is(err, capture.ErrValidation):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				slog.Error("failed to record feedback", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record feedback"})
			}
			return
		}

		metrics.RecordFeedback(fb.FeedbackType)
		c.JSON(http.StatusOK, gin.H{
			"event_id":      event.EventID,
			"prediction_id": fb.PredictionID,
		})
	}
}
