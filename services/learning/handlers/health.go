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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/quotewise/services/learning/exemplar"
	"github.com/AleutianAI/quotewise/services/learning/pipeline"
)

// HealthCheck handles GET /health.
//
// Description:
//
//	Reports "ok" when everything is reachable and "degraded" when the
//	vector index is down. Degraded is still HTTP 200: the service keeps
//	capturing events and serving facts-only predictions, and orchestrators
//	must not restart it for a dependency outage.
func HealthCheck(queue *pipeline.Queue, store *exemplar.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		if store.Degraded() {
			status = "degraded"
		}

		pending := 0
		if n, err := queue.PendingCount(); err == nil {
			pending = n
		}

		c.JSON(http.StatusOK, gin.H{
			"status":           status,
			"exemplar_store":   !store.Degraded(),
			"pipeline_pending": pending,
		})
	}
}
