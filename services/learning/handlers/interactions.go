// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the learning core over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/quotewise/services/learning/capture"
	"github.com/AleutianAI/quotewise/services/learning/observability"
)

// CaptureInteractionRequest is the body of POST /v1/interactions.
type CaptureInteractionRequest struct {
	EventType string          `json:"event_type" binding:"required"`
	ActorID   string          `json:"actor_id" binding:"required"`
	OrgID     string          `json:"org_id" binding:"required"`
	Context   capture.Context `json:"context"`
	Payload   json.RawMessage `json:"payload" binding:"required"`
}

// CaptureInteraction handles POST /v1/interactions.
//
// Description:
//
//	Validates and durably records one interaction event. Returns 201 with
//	the stored event once the write is synced; the downstream updaters
//	run asynchronously. Malformed payloads get 400 and are never retried.
func CaptureInteraction(svc *capture.Service, metrics *observability.LearningMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CaptureInteractionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		event, err := svc.Capture(c.Request.Context(), capture.EventType(req.EventType),
			req.ActorID, req.OrgID, req.Context, req.Payload)
		if err != nil {
			if errors.Is(err, capture.ErrValidation) || errors.Is(err, capture.ErrUnknownEventType) {
				metrics.RecordEvent(req.EventType, false)
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			slog.Error("failed to capture interaction event", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
			return
		}

		metrics.RecordEvent(req.EventType, true)
		c.JSON(http.StatusCreated, gin.H{
			"event_id":  event.EventID,
			"timestamp": event.Timestamp,
		})
	}
}
