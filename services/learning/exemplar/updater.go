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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/quotewise/services/learning/capture"
)

// Inserter is the store surface the updater writes through.
type Inserter interface {
	Insert(ctx context.Context, ex Exemplar) (*Exemplar, error)
}

// Updater feeds valuable interaction events into the exemplar store. It is
// one of the three pipeline consumers.
type Updater struct {
	store  Inserter
	filter *Filter
	logger *slog.Logger
}

// NewUpdater creates the exemplar pipeline consumer.
func NewUpdater(store Inserter, filter *Filter, logger *slog.Logger) (*Updater, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if filter == nil {
		return nil, errors.New("filter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		store:  store,
		filter: filter,
		logger: logger.With(slog.String("consumer", "exemplar")),
	}, nil
}

// Name implements pipeline.Consumer.
func (u *Updater) Name() string { return "exemplar" }

// Apply implements pipeline.Consumer.
//
// Description:
//
//	Non-valuable events are acknowledged without storing anything. A
//	degraded store or a failed insert returns an error so the pipeline
//	re-delivers the event once the index is back. Exemplar ids derive
//	from the event id and candidate index, so a re-delivered event
//	re-inserts the same ids instead of duplicating.
func (u *Updater) Apply(ctx context.Context, event *capture.InteractionEvent) error {
	candidates, err := u.filter.Extract(event)
	if errors.Is(err, ErrNotValuable) {
		u.logger.Debug("event filtered out",
			slog.String("event_id", event.EventID),
			slog.String("event_type", string(event.EventType)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("extracting exemplars from event %s: %w", event.EventID, err)
	}

	for i, candidate := range candidates {
		candidate.ExemplarID = fmt.Sprintf("%s/%d", event.EventID, i)
		if _, err := u.store.Insert(ctx, candidate); err != nil {
			return fmt.Errorf("inserting exemplar for event %s: %w", event.EventID, err)
		}
	}
	return nil
}
