// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package exemplar

import (
	"math"
	"sort"
	"time"
)

// rerank orders candidates by similarity discounted for age and quantity
// mismatch, then truncates to k.
//
// score = similarity * decay^ageDays * (1 - quantityPenalty)
//
// The quantity penalty is the relative distance between the query quantity
// and the exemplar's, capped at 0.5 so a wildly different quantity halves
// the score but never zeroes out an otherwise strong match. Exemplars with
// no recorded quantity take no penalty.
func rerank(candidates []Scored, queryQuantity float64, decayRate float64, k int, now time.Time) []Scored {
	for i := range candidates {
		ageDays := now.Sub(candidates[i].CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency := math.Pow(decayRate, ageDays)
		penalty := quantityPenalty(queryQuantity, candidates[i].Quantity)
		candidates[i].Score = candidates[i].Similarity * recency * (1 - penalty)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

func quantityPenalty(query, stored float64) float64 {
	if query <= 0 || stored <= 0 {
		return 0
	}
	larger := math.Max(query, stored)
	penalty := math.Abs(query-stored) / larger
	if penalty > 0.5 {
		penalty = 0.5
	}
	return penalty
}
