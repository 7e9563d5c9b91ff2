// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("quotewise.learning.capture")

// Publisher persists an event durably and schedules its delivery to the
// downstream updaters. The write must be synced before Publish returns so a
// crash after capture never loses the event.
//
// Implemented by pipeline.Queue.
type Publisher interface {
	Publish(ctx context.Context, event *InteractionEvent) error
}

// Service is the synchronous capture entry point.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a capture service.
//
// Inputs:
//
//	publisher - Durable event sink. Must not be nil.
//	logger - Logger for capture operations. Must not be nil.
func NewService(publisher Publisher, logger *slog.Logger) (*Service, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		publisher: publisher,
		logger:    logger.With(slog.String("component", "capture")),
		now:       time.Now,
	}, nil
}

// Capture validates, timestamps, and durably records one interaction event.
//
// Description:
//
//	Validates the payload against the per-type schema, stamps the event
//	with an ID and UTC timestamp, and hands it to the publisher. The
//	publisher write is synchronous and synced; the heavy downstream
//	processing happens after this call returns.
//
// Outputs:
//
//	*InteractionEvent - The stored event, with EventID and Timestamp set.
//	error - Wraps ErrValidation for schema failures; publisher errors
//	        are returned as-is.
func (s *Service) Capture(ctx context.Context, eventType EventType, actorID, orgID string, snapshot Context, payload json.RawMessage) (*InteractionEvent, error) {
	ctx, span := tracer.Start(ctx, "capture.Capture")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_type", string(eventType)),
		attribute.String("org_id", orgID),
	)

	if actorID == "" {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrEmptyActor)
	}
	if orgID == "" {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrEmptyOrg)
	}
	if err := ValidatePayload(eventType, payload); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	event := &InteractionEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		ActorID:   actorID,
		OrgID:     orgID,
		Context:   snapshot,
		Payload:   payload,
		Timestamp: s.now().UTC(),
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return nil, fmt.Errorf("publishing event: %w", err)
	}

	s.logger.Info("captured interaction event",
		slog.String("event_id", event.EventID),
		slog.String("event_type", string(eventType)),
		slog.String("org_id", orgID))
	span.SetStatus(codes.Ok, "captured")
	return event, nil
}
