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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/quotewise/services/learning/bandit"
	"github.com/AleutianAI/quotewise/services/learning/exemplar"
	"github.com/AleutianAI/quotewise/services/learning/inference"
	"github.com/AleutianAI/quotewise/services/learning/pipeline"
)

// AnalyticsResponse is the body of GET /v1/analytics.
type AnalyticsResponse struct {
	OrgID               string         `json:"org_id"`
	From                time.Time      `json:"from"`
	To                  time.Time      `json:"to"`
	EventCounts         map[string]int `json:"event_counts"`
	ExemplarCount       int            `json:"exemplar_count"`
	QualityDistribution map[string]int `json:"quality_distribution,omitempty"`
	StrategyArms        []bandit.Arm   `json:"strategy_arms,omitempty"`
	PipelinePending     int            `json:"pipeline_pending"`
	DeadLetters         map[string]int `json:"dead_letters"`
}

// Analytics handles GET /v1/analytics.
//
// Description:
//
//	Reports learning progress for an organization: event volume over the
//	window, exemplar inventory with its quality distribution, strategy
//	arm posteriors, and pipeline backlog. A degraded exemplar store
//	zeroes its sections rather than failing the whole report.
func Analytics(queue *pipeline.Queue, store *exemplar.Store, selector *bandit.Selector) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.Query("org_id")
		if orgID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "org_id query parameter is required"})
			return
		}

		to := time.Now().UTC()
		from := to.AddDate(0, 0, -30)
		if v := c.Query("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
				return
			}
			from = t
		}
		if v := c.Query("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
				return
			}
			to = t
		}

		ctx := c.Request.Context()
		resp := AnalyticsResponse{
			OrgID:       orgID,
			From:        from,
			To:          to,
			EventCounts: map[string]int{},
			DeadLetters: map[string]int{},
		}

		counts, err := queue.CountEvents(ctx, orgID, from, to)
		if err != nil {
			slog.Error("failed to count events", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read event history"})
			return
		}
		for eventType, n := range counts {
			resp.EventCounts[string(eventType)] = n
		}

		if n, err := store.Count(ctx, orgID); err == nil {
			resp.ExemplarCount = n
		} else {
			slog.Warn("exemplar count unavailable", "error", err)
		}
		if dist, err := store.QualityDistribution(ctx, orgID); err == nil {
			resp.QualityDistribution = dist
		} else {
			slog.Warn("exemplar quality distribution unavailable", "error", err)
		}

		arms, err := selector.Arms(ctx, orgID, inference.DecisionPricing)
		if err != nil {
			slog.Warn("strategy arms unavailable", "error", err)
		} else {
			resp.StrategyArms = arms
		}

		if pending, err := queue.PendingCount(); err == nil {
			resp.PipelinePending = pending
		}
		for _, consumer := range []string{"knowledge", "exemplar", "bandit"} {
			letters, err := queue.DeadLetters(ctx, consumer)
			if err != nil {
				continue
			}
			resp.DeadLetters[consumer] = len(letters)
		}

		c.JSON(http.StatusOK, resp)
	}
}
