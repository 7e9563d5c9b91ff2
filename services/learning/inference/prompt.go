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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/quotewise/services/learning/bandit"
	"github.com/AleutianAI/quotewise/services/learning/exemplar"
	"github.com/AleutianAI/quotewise/services/learning/knowledge"
)

// modelAnswer is the structured response the provider must emit.
type modelAnswer struct {
	Item      string  `json:"item"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  float64 `json:"quantity,omitempty"`
	Rationale string  `json:"rationale,omitempty"`
}

// buildPrompt assembles the generation prompt from facts and exemplars,
// with a weighting directive matching the selected strategy arm.
func buildPrompt(req Request, strategy string, facts []knowledge.Relation, similar []exemplar.Scored) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Predict the unit price for a quote line item.\n\n")
	fmt.Fprintf(&b, "Item: %s\n", req.Item)
	if req.Quantity > 0 {
		fmt.Fprintf(&b, "Quantity: %g\n", req.Quantity)
	}
	if req.Context.ClientName != "" {
		fmt.Fprintf(&b, "Client: %s\n", req.Context.ClientName)
	}

	if len(facts) > 0 {
		b.WriteString("\nKnown facts about this item:\n")
		for _, f := range facts {
			writeFact(&b, f)
		}
	}

	if len(similar) > 0 {
		b.WriteString("\nSimilar past quotes:\n")
		for _, ex := range similar {
			fmt.Fprintf(&b, "- %s => %s\n", ex.Input, ex.Output)
		}
	}

	b.WriteString("\n")
	b.WriteString(strategyDirective(strategy))
	b.WriteString("\n\nRespond with exactly one JSON object: ")
	b.WriteString(`{"item": "...", "unit_price": 0.0, "quantity": 0.0, "rationale": "..."}`)
	return b.String()
}

func writeFact(b *strings.Builder, f knowledge.Relation) {
	switch f.Type {
	case knowledge.RelPrice:
		price := propFloat(f.Properties, "unit_price")
		fmt.Fprintf(b, "- current price %.2f per unit (confidence %.2f)\n", price, f.Confidence)
	case knowledge.RelCoOccurs:
		fmt.Fprintf(b, "- frequently quoted together with %s\n", lastSegment(f.Target))
	case knowledge.RelPricingProfile:
		if data, err := json.Marshal(f.Properties); err == nil {
			fmt.Fprintf(b, "- pricing profile: %s\n", data)
		}
	default:
		fmt.Fprintf(b, "- %s %s\n", f.Type, lastSegment(f.Target))
	}
}

func strategyDirective(strategy string) string {
	switch strategy {
	case bandit.ArmPreferExemplars:
		return "Weight the similar past quotes most heavily; use the known facts only as a sanity check."
	case bandit.ArmPreferFacts:
		return "Weight the known facts most heavily; use the similar past quotes only as a sanity check."
	default:
		return "Weight the known facts and the similar past quotes equally."
	}
}

// parseAnswer extracts the structured answer from raw provider output,
// tolerating markdown fences and surrounding prose.
func parseAnswer(raw string) (*modelAnswer, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in provider response")
	}

	var answer modelAnswer
	if err := json.Unmarshal([]byte(raw[start:end+1]), &answer); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	if answer.UnitPrice <= 0 {
		return nil, fmt.Errorf("provider response has no positive unit_price")
	}
	return &answer, nil
}

func lastSegment(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
