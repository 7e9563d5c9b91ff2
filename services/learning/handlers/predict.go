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

	"github.com/AleutianAI/quotewise/services/learning/inference"
	"github.com/AleutianAI/quotewise/services/learning/observability"
)

// Predict handles POST /v1/predict.
//
// Description:
//
//	Serves one price prediction. Degradation never surfaces as a 5xx:
//	provider and retrieval failures produce a fallback or "unavailable"
//	prediction with honest confidence, still returned as 200. Only a
//	malformed request gets 400.
func Predict(engine *inference.Engine, metrics *observability.LearningMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req inference.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if req.OrgID == "" || req.Item == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "org_id and item are required"})
			return
		}

		start := time.Now()
		pred, err := engine.Predict(c.Request.Context(), req)
		if err != nil {
			slog.Error("prediction failed on request validation", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		metrics.RecordPrediction(pred.Source, pred.Strategy, pred.Confidence, time.Since(start).Seconds())
		c.JSON(http.StatusOK, predictResponse{
			Prediction:   pred,
			StrategyUsed: strategyUsed(pred),
		})
	}
}

// predictResponse adds the combined strategy_used field clients key on.
// The prediction itself keeps source and strategy separate.
type predictResponse struct {
	*inference.Prediction
	StrategyUsed string `json:"strategy_used"`
}

// strategyUsed names what produced the answer: the bandit arm for model
// predictions, otherwise the degradation tier. The selected arm is still
// reported in strategy even when the provider path did not serve.
func strategyUsed(pred *inference.Prediction) string {
	if pred.Source == inference.SourceModel {
		return pred.Strategy
	}
	return pred.Source
}
