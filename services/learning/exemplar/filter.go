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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/quotewise/services/learning/capture"
)

// Filter decides which interaction events qualify as exemplars and builds
// the stored (input, output) pair from those that do.
//
// Corrections always qualify: they carry both the wrong answer and the
// right one. Completions qualify when the outcome rating clears the
// threshold. Selections qualify when the reporter was confident. Rejections
// never do; a rejection tells us what was wrong but not what is right.
type Filter struct {
	cfg Config
}

// NewFilter creates a filter with the given config (defaults applied).
func NewFilter(cfg Config) *Filter {
	cfg.applyDefaults()
	return &Filter{cfg: cfg}
}

// Extract builds exemplar candidates from an event.
//
// Outputs:
//
//	[]Exemplar - Zero or more candidates. ExemplarID and CreatedAt are
//	             left for the store to fill.
//	error - Wraps ErrNotValuable when the event does not qualify;
//	        a payload decode failure otherwise.
func (f *Filter) Extract(event *capture.InteractionEvent) ([]Exemplar, error) {
	switch event.EventType {
	case capture.TypeCorrection:
		return f.fromCorrection(event)
	case capture.TypeCompletion:
		return f.fromCompletion(event)
	case capture.TypeSelection:
		return f.fromSelection(event)
	case capture.TypeRejection:
		return nil, fmt.Errorf("%w: rejection", ErrNotValuable)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotValuable, event.EventType)
}

func (f *Filter) fromCorrection(event *capture.InteractionEvent) ([]Exemplar, error) {
	var p capture.CorrectionPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding correction payload: %w", err)
	}

	input := describeSituation(event.Context, p.Item, p.Quantity)
	output := fmt.Sprintf("%s priced at %.2f per unit (corrected from %.2f)", p.Item, p.NewValue, p.OldValue)
	return []Exemplar{{
		OrgID:       event.OrgID,
		Input:       input,
		Output:      output,
		Quality:     0.95,
		Quantity:    p.Quantity,
		SourceEvent: event.EventID,
	}}, nil
}

func (f *Filter) fromCompletion(event *capture.InteractionEvent) ([]Exemplar, error) {
	var p capture.CompletionPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding completion payload: %w", err)
	}
	if p.Rating < f.cfg.RatingThreshold {
		return nil, fmt.Errorf("%w: completion rating %d below threshold %d",
			ErrNotValuable, p.Rating, f.cfg.RatingThreshold)
	}

	quality := float64(p.Rating) / 5.0
	exemplars := make([]Exemplar, 0, len(p.LineItems))
	for _, line := range p.LineItems {
		exemplars = append(exemplars, Exemplar{
			OrgID:       event.OrgID,
			Input:       describeSituation(event.Context, line.Item, line.Quantity),
			Output:      fmt.Sprintf("%s priced at %.2f per unit", line.Item, line.UnitPrice),
			Quality:     quality,
			Quantity:    line.Quantity,
			SourceEvent: event.EventID,
		})
	}
	return exemplars, nil
}

func (f *Filter) fromSelection(event *capture.InteractionEvent) ([]Exemplar, error) {
	var p capture.SelectionPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding selection payload: %w", err)
	}
	if p.Confidence < f.cfg.SelectionConfidence {
		return nil, fmt.Errorf("%w: selection confidence %.2f below threshold %.2f",
			ErrNotValuable, p.Confidence, f.cfg.SelectionConfidence)
	}

	return []Exemplar{{
		OrgID:       event.OrgID,
		Input:       describeSituation(event.Context, p.Item, p.Quantity),
		Output:      fmt.Sprintf("selected %s", p.Item),
		Quality:     p.Confidence,
		Quantity:    p.Quantity,
		SourceEvent: event.EventID,
	}}, nil
}

// describeSituation renders the capture context into the text that gets
// embedded. Kept deliberately plain: the same renderer runs at prediction
// time, so query and stored vectors stay in the same space.
func describeSituation(ctx capture.Context, item string, quantity float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "quote for %s", item)
	if quantity > 0 {
		fmt.Fprintf(&b, " x%g", quantity)
	}
	if ctx.ClientName != "" {
		fmt.Fprintf(&b, " for client %s", ctx.ClientName)
	}
	if len(ctx.Products) > 0 {
		names := make([]string, 0, len(ctx.Products))
		for _, p := range ctx.Products {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, " alongside %s", strings.Join(names, ", "))
	}
	return b.String()
}

// DescribeQuery renders a prediction request the same way Extract renders a
// stored exemplar, so nearest-neighbor search compares like with like.
func DescribeQuery(ctx capture.Context, item string, quantity float64) string {
	return describeSituation(ctx, item, quantity)
}
