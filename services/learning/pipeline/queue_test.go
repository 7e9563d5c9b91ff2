// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/quotewise/services/learning/capture"
	"github.com/AleutianAI/quotewise/services/learning/storage"
)

// =============================================================================
// Test Helpers
// =============================================================================

// countingConsumer tracks Apply calls and fails the first failN attempts
// per event.
type countingConsumer struct {
	name  string
	failN int

	mu      sync.Mutex
	applied map[string]int
}

func newCountingConsumer(name string, failN int) *countingConsumer {
	return &countingConsumer{name: name, failN: failN, applied: make(map[string]int)}
}

func (c *countingConsumer) Name() string { return c.name }

func (c *countingConsumer) Apply(ctx context.Context, event *capture.InteractionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied[event.EventID]++
	if c.applied[event.EventID] <= c.failN {
		return fmt.Errorf("transient failure %d", c.applied[event.EventID])
	}
	return nil
}

func (c *countingConsumer) count(eventID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[eventID]
}

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEvent(id, orgID string) *capture.InteractionEvent {
	return &capture.InteractionEvent{
		EventID:   id,
		EventType: capture.TypeSelection,
		ActorID:   "user-1",
		OrgID:     orgID,
		Payload:   json.RawMessage(`{"item":"widget","confidence":0.9}`),
		Timestamp: time.Now().UTC(),
	}
}

// fastConfig keeps retry delays short so tests run quickly.
func fastConfig() Config {
	return Config{
		RetryBase:   time.Millisecond,
		RetryFactor: 2,
		MaxRetries:  3,
		Buffer:      16,
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewQueue_Validation(t *testing.T) {
	db := openTestDB(t)

	t.Run("nil db fails", func(t *testing.T) {
		_, err := NewQueue(nil, []Consumer{newCountingConsumer("a", 0)}, Config{})
		if err == nil {
			t.Error("expected error for nil db")
		}
	})

	t.Run("no consumers fails", func(t *testing.T) {
		_, err := NewQueue(db, nil, Config{})
		if err == nil {
			t.Error("expected error for empty consumer list")
		}
	})

	t.Run("duplicate consumer names fail", func(t *testing.T) {
		_, err := NewQueue(db, []Consumer{
			newCountingConsumer("dup", 0),
			newCountingConsumer("dup", 0),
		}, Config{})
		if err == nil {
			t.Error("expected error for duplicate names")
		}
	})

	t.Run("empty consumer name fails", func(t *testing.T) {
		_, err := NewQueue(db, []Consumer{newCountingConsumer("", 0)}, Config{})
		if err == nil {
			t.Error("expected error for empty name")
		}
	})
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.RetryBase != time.Second {
		t.Errorf("RetryBase = %v, want 1s", cfg.RetryBase)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.Buffer != 256 {
		t.Errorf("Buffer = %d, want 256", cfg.Buffer)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
}

// =============================================================================
// Publish / Dispatch Tests
// =============================================================================

func TestQueue_PublishThenDispatch(t *testing.T) {
	db := openTestDB(t)
	consumer := newCountingConsumer("knowledge", 0)
	q, err := NewQueue(db, []Consumer{consumer}, fastConfig())
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	event := testEvent("evt-1", "org-1")
	if err := q.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The pending marker is set before delivery.
	n, err := q.PendingCount()
	if err != nil || n != 1 {
		t.Fatalf("PendingCount = %d, %v; want 1", n, err)
	}

	if err := q.Dispatch(context.Background(), "evt-1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if consumer.count("evt-1") != 1 {
		t.Errorf("Apply count = %d, want 1", consumer.count("evt-1"))
	}
	n, _ = q.PendingCount()
	if n != 0 {
		t.Errorf("PendingCount after dispatch = %d, want 0", n)
	}
}

func TestQueue_DispatchIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	consumer := newCountingConsumer("knowledge", 0)
	q, _ := NewQueue(db, []Consumer{consumer}, fastConfig())

	event := testEvent("evt-1", "org-1")
	if err := q.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Simulates crash recovery re-dispatching an already delivered event.
	for i := 0; i < 3; i++ {
		if err := q.Dispatch(context.Background(), "evt-1"); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}

	if got := consumer.count("evt-1"); got != 1 {
		t.Errorf("Apply count = %d, want 1 (ack must suppress re-delivery)", got)
	}
}

func TestQueue_RetryThenAck(t *testing.T) {
	db := openTestDB(t)
	// Fails twice, then succeeds within the retry budget of 3.
	consumer := newCountingConsumer("exemplar", 2)
	q, _ := NewQueue(db, []Consumer{consumer}, fastConfig())

	event := testEvent("evt-1", "org-1")
	if err := q.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := q.Dispatch(context.Background(), "evt-1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := consumer.count("evt-1"); got != 3 {
		t.Errorf("Apply count = %d, want 3 (two failures then success)", got)
	}
	letters, err := q.DeadLetters(context.Background(), "")
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 0 {
		t.Errorf("dead letters = %d, want 0", len(letters))
	}
}

func TestQueue_DeadLetterAfterRetryBudget(t *testing.T) {
	db := openTestDB(t)
	// Always fails: 1 initial + 3 retries, then dead-lettered.
	consumer := newCountingConsumer("bandit", 100)
	q, _ := NewQueue(db, []Consumer{consumer}, fastConfig())

	event := testEvent("evt-1", "org-1")
	if err := q.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := q.Dispatch(context.Background(), "evt-1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := consumer.count("evt-1"); got != 4 {
		t.Errorf("Apply count = %d, want 4", got)
	}

	letters, err := q.DeadLetters(context.Background(), "bandit")
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	dl := letters[0]
	if dl.EventID != "evt-1" || dl.Consumer != "bandit" || dl.Attempts != 4 {
		t.Errorf("unexpected dead letter: %+v", dl)
	}

	// Pending marker is cleared: a poisoned event never blocks the queue.
	n, _ := q.PendingCount()
	if n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}

	// Re-dispatch must not retry a dead-lettered event.
	if err := q.Dispatch(context.Background(), "evt-1"); err != nil {
		t.Fatalf("re-dispatch: %v", err)
	}
	if got := consumer.count("evt-1"); got != 4 {
		t.Errorf("Apply count after re-dispatch = %d, want 4", got)
	}
}

func TestQueue_DeadLetterIsolation(t *testing.T) {
	db := openTestDB(t)
	healthy := newCountingConsumer("knowledge", 0)
	broken := newCountingConsumer("exemplar", 100)
	q, _ := NewQueue(db, []Consumer{healthy, broken}, fastConfig())

	event := testEvent("evt-1", "org-1")
	if err := q.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := q.Dispatch(context.Background(), "evt-1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// The healthy consumer is unaffected by the broken one.
	if got := healthy.count("evt-1"); got != 1 {
		t.Errorf("healthy Apply count = %d, want 1", got)
	}
	letters, _ := q.DeadLetters(context.Background(), "exemplar")
	if len(letters) != 1 {
		t.Errorf("exemplar dead letters = %d, want 1", len(letters))
	}
	letters, _ = q.DeadLetters(context.Background(), "knowledge")
	if len(letters) != 0 {
		t.Errorf("knowledge dead letters = %d, want 0", len(letters))
	}
}

func TestQueue_DispatchStalePendingMarker(t *testing.T) {
	db := openTestDB(t)
	consumer := newCountingConsumer("knowledge", 0)
	q, _ := NewQueue(db, []Consumer{consumer}, fastConfig())

	// A pending marker with no event record is dropped, not retried forever.
	err := db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("pend/ghost"), []byte{})
	})
	if err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	if err := q.Dispatch(context.Background(), "ghost"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	n, _ := q.PendingCount()
	if n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}
}

// =============================================================================
// Worker Lifecycle Tests
// =============================================================================

func TestQueue_StartDeliversPublishedEvents(t *testing.T) {
	db := openTestDB(t)
	consumer := newCountingConsumer("knowledge", 0)
	q, _ := NewQueue(db, []Consumer{consumer}, fastConfig())

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	if err := q.Publish(context.Background(), testEvent("evt-1", "org-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for consumer.count("evt-1") == 0 {
		select {
		case <-deadline:
			t.Fatal("event was not delivered by the worker")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestQueue_StartRecoversPendingEvents(t *testing.T) {
	db := openTestDB(t)
	consumer := newCountingConsumer("knowledge", 0)

	// First queue publishes but never dispatches, simulating a crash
	// between capture and delivery.
	q1, _ := NewQueue(db, []Consumer{consumer}, fastConfig())
	if err := q1.Publish(context.Background(), testEvent("evt-1", "org-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	q2, _ := NewQueue(db, []Consumer{consumer}, fastConfig())
	if err := q2.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q2.Stop()

	deadline := time.After(2 * time.Second)
	for consumer.count("evt-1") == 0 {
		select {
		case <-deadline:
			t.Fatal("pending event was not recovered on Start")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestQueue_StopRejectsPublish(t *testing.T) {
	db := openTestDB(t)
	q, _ := NewQueue(db, []Consumer{newCountingConsumer("knowledge", 0)}, fastConfig())

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	q.Stop()

	err := q.Publish(context.Background(), testEvent("evt-1", "org-1"))
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("want ErrQueueClosed, got %v", err)
	}
	// Stop is idempotent.
	q.Stop()
}

// =============================================================================
// Read Path Tests
// =============================================================================

func TestQueue_Event(t *testing.T) {
	db := openTestDB(t)
	q, _ := NewQueue(db, []Consumer{newCountingConsumer("knowledge", 0)}, fastConfig())

	event := testEvent("evt-1", "org-1")
	if err := q.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := q.Event(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if got.EventID != "evt-1" || got.OrgID != "org-1" || got.EventType != capture.TypeSelection {
		t.Errorf("unexpected event: %+v", got)
	}

	_, err = q.Event(context.Background(), "missing")
	if !errors.Is(err, ErrEventNotFound) {
		t.Errorf("want ErrEventNotFound, got %v", err)
	}
}

func TestQueue_CountEvents(t *testing.T) {
	db := openTestDB(t)
	q, _ := NewQueue(db, []Consumer{newCountingConsumer("knowledge", 0)}, fastConfig())

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	events := []*capture.InteractionEvent{
		{EventID: "e1", EventType: capture.TypeSelection, OrgID: "org-1", Timestamp: base},
		{EventID: "e2", EventType: capture.TypeSelection, OrgID: "org-1", Timestamp: base.Add(time.Hour)},
		{EventID: "e3", EventType: capture.TypeCorrection, OrgID: "org-1", Timestamp: base.Add(2 * time.Hour)},
		{EventID: "e4", EventType: capture.TypeCompletion, OrgID: "org-2", Timestamp: base.Add(time.Hour)},
		{EventID: "e5", EventType: capture.TypeRejection, OrgID: "org-1", Timestamp: base.Add(48 * time.Hour)},
	}
	for _, e := range events {
		e.ActorID = "user-1"
		e.Payload = json.RawMessage(`{}`)
		if err := q.Publish(context.Background(), e); err != nil {
			t.Fatalf("Publish %s: %v", e.EventID, err)
		}
	}

	counts, err := q.CountEvents(context.Background(), "org-1", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}

	// org-2 events and events outside the window are excluded.
	if counts[capture.TypeSelection] != 2 {
		t.Errorf("selection count = %d, want 2", counts[capture.TypeSelection])
	}
	if counts[capture.TypeCorrection] != 1 {
		t.Errorf("correction count = %d, want 1", counts[capture.TypeCorrection])
	}
	if counts[capture.TypeCompletion] != 0 {
		t.Errorf("completion count = %d, want 0", counts[capture.TypeCompletion])
	}
	if counts[capture.TypeRejection] != 0 {
		t.Errorf("rejection count = %d, want 0 (outside window)", counts[capture.TypeRejection])
	}
}
