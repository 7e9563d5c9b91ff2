// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/quotewise/services/learning/bandit"
	"github.com/AleutianAI/quotewise/services/learning/capture"
	"github.com/AleutianAI/quotewise/services/learning/exemplar"
	"github.com/AleutianAI/quotewise/services/learning/handlers"
	"github.com/AleutianAI/quotewise/services/learning/inference"
	"github.com/AleutianAI/quotewise/services/learning/observability"
	"github.com/AleutianAI/quotewise/services/learning/pipeline"
)

// Deps bundles the wired learning components for route registration.
type Deps struct {
	Capture  *capture.Service
	Engine   *inference.Engine
	Queue    *pipeline.Queue
	Exemplar *exemplar.Store
	Selector *bandit.Selector
	Metrics  *observability.LearningMetrics

	// ExposeMetrics registers the Prometheus scrape endpoint.
	ExposeMetrics bool
}

// SetupRoutes registers the learning API on the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck(deps.Queue, deps.Exemplar))
	if deps.ExposeMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/interactions", handlers.CaptureInteraction(deps.Capture, deps.Metrics))
		v1.POST("/predict", handlers.Predict(deps.Engine, deps.Metrics))
		v1.POST("/feedback", handlers.Feedback(deps.Engine, deps.Capture, deps.Metrics))
		v1.GET("/analytics", handlers.Analytics(deps.Queue, deps.Exemplar, deps.Selector))
	}
}
