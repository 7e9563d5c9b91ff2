// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge implements the bi-temporal entity/relation graph that
// records what the learning core believes about products, prices, clients,
// and pricing profiles.
//
// Every relation carries two time axes: TOccurred is when the fact became
// true in the real world, TIngested is when the system learned it. The two
// can differ, and the conflict-resolution rules in Store.UpsertRelation
// depend on that distinction. Facts are never deleted; a superseded fact is
// invalidated by closing its validity interval and stays available for
// as-of queries and audit.
package knowledge

import (
	"errors"
	"time"
)

// Sentinel errors for the knowledge store.
var (
	// ErrFactNotFound indicates no relation covers the requested key and
	// timestamp.
	ErrFactNotFound = errors.New("no fact found")

	// ErrEntityNotFound indicates the entity key has no record.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrConflict indicates a concurrent writer won the slot twice in a
	// row. The caller should requeue the write through the pipeline's
	// retry path rather than drop it.
	ErrConflict = errors.New("concurrent write conflict")

	// ErrInvalidConfidence is returned for confidence outside [0,1].
	ErrInvalidConfidence = errors.New("confidence must be between 0 and 1")

	// ErrEmptySubject is returned when a relation or entity key is missing.
	ErrEmptySubject = errors.New("subject must not be empty")
)

// Entity is a graph node: a product, price point, client, actor, or
// pricing profile.
type Entity struct {
	Type       string         `json:"type"`
	NaturalKey string         `json:"natural_key"`
	Properties map[string]any `json:"properties,omitempty"`
	TValid     time.Time      `json:"t_valid"`
	TInvalid   *time.Time     `json:"t_invalid,omitempty"`
	Source     string         `json:"source"`
	Confidence float64        `json:"confidence"`
}

// Ref returns the entity's stable graph key, "type/natural_key".
func (e Entity) Ref() string {
	return e.Type + "/" + e.NaturalKey
}

// Relation is a directed, bi-temporal graph edge.
//
// The validity interval [TValid, TInvalid) says when the fact is considered
// authoritative; TInvalid == nil means currently valid. A relation recorded
// purely for audit (a lower-confidence alternative) has TInvalid set at
// ingestion, giving it an empty interval.
type Relation struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"relation_type"`
	Properties map[string]any `json:"properties,omitempty"`
	TOccurred  time.Time      `json:"t_occurred"`
	TIngested  time.Time      `json:"t_ingested"`
	TValid     time.Time      `json:"t_valid"`
	TInvalid   *time.Time     `json:"t_invalid,omitempty"`
	Confidence float64        `json:"confidence"`
}

// ValidAt reports whether ts falls inside the relation's validity interval.
func (r Relation) ValidAt(ts time.Time) bool {
	if ts.Before(r.TValid) {
		return false
	}
	return r.TInvalid == nil || ts.Before(*r.TInvalid)
}

// Current reports whether the relation is valid right now (open interval).
func (r Relation) Current() bool {
	return r.TInvalid == nil
}

// Well-known relation types produced by the event updater.
const (
	// RelPrice links a product to its unit price point. Single-valued:
	// one current price per product.
	RelPrice = "price"

	// RelPrefers links an actor to a product they selected. Multi-valued.
	RelPrefers = "prefers"

	// RelCoOccurs links two products that appeared on the same completed
	// quote. Multi-valued, directed, with a count property.
	RelCoOccurs = "co_occurs_with"

	// RelPricingProfile links an organization to its pricing profile.
	// Single-valued.
	RelPricingProfile = "pricing_profile"
)

// multiValued relation types keep one current fact per (source, type,
// target) instead of one per (source, type).
var multiValued = map[string]bool{
	RelPrefers:  true,
	RelCoOccurs: true,
}

// MultiValued reports whether relationType allows several simultaneously
// valid targets for the same subject.
func MultiValued(relationType string) bool {
	return multiValued[relationType]
}
