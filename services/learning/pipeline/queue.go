// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements durable at-least-once fan-out of interaction
// events to the three learning updaters.
//
// The queue is an explicit structure in BadgerDB, not an in-process
// subscriber list:
//
//	evt/<event_id>                      canonical immutable event record
//	evtidx/<org>/<ts>/<event_id>        time index for analytics scans
//	pend/<event_id>                     pending-delivery marker
//	ack/<consumer>/<event_id>           per-consumer idempotency key
//	dlq/<consumer>/<event_id>           dead-letter entry with failure reason
//
// Publish writes the event record and the pending marker in one synced
// transaction, so a crash after capture never loses an event. Delivery is
// at-least-once: after a crash, Start re-scans pend/ and re-dispatches;
// consumers that already acked an event skip it via their idempotency key.
//
// A consumer that keeps failing an event is dead-lettered after the retry
// budget and the pipeline moves on. One poisoned event never blocks the
// queue.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/quotewise/services/learning/capture"
)

var tracer = otel.Tracer("quotewise.learning.pipeline")

var (
	// ErrQueueClosed is returned when operations are called on a stopped queue.
	ErrQueueClosed = errors.New("pipeline queue is closed")

	// ErrEventNotFound is returned when an event id has no stored record.
	ErrEventNotFound = errors.New("event not found")

	// ErrPersistence indicates the underlying store rejected a write.
	ErrPersistence = errors.New("persistence failure")
)

// Key prefixes. Kept short: these repeat once per event per consumer.
const (
	prefixEvent    = "evt/"
	prefixEventIdx = "evtidx/"
	prefixPending  = "pend/"
	prefixAck      = "ack/"
	prefixDead     = "dlq/"
)

// Consumer is one independent updater fed by the queue.
//
// Apply must be idempotent with respect to the pipeline's re-delivery: the
// queue guarantees a consumer's Apply is not re-invoked for an event it has
// acked, but a crash between Apply and ack means Apply can run twice.
type Consumer interface {
	// Name is the stable identifier used for ack and dead-letter keys.
	// Changing a consumer's name re-delivers all history to it.
	Name() string

	// Apply processes one event. A nil return acks the event for this
	// consumer; an error triggers the retry/dead-letter path.
	Apply(ctx context.Context, event *capture.InteractionEvent) error
}

// DeadLetter is one entry in the dead-letter set, preserved for manual
// inspection instead of being discarded.
type DeadLetter struct {
	EventID  string    `json:"event_id"`
	Consumer string    `json:"consumer"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// Config tunes queue delivery behavior.
type Config struct {
	// RetryBase is the first backoff delay. Default: 1s.
	RetryBase time.Duration

	// RetryFactor multiplies the delay per attempt. Default: 2.
	RetryFactor int

	// MaxRetries is the number of retries after the initial attempt
	// before an event is dead-lettered for a consumer. Default: 3.
	MaxRetries int

	// Buffer is the dispatch channel depth. Default: 256.
	Buffer int

	// Logger for queue operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the delivery policy used in production.
func DefaultConfig() Config {
	return Config{
		RetryBase:   time.Second,
		RetryFactor: 2,
		MaxRetries:  3,
		Buffer:      256,
		Logger:      slog.Default(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RetryBase == 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryFactor == 0 {
		c.RetryFactor = d.RetryFactor
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Buffer == 0 {
		c.Buffer = d.Buffer
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Queue is the durable event queue.
//
// Thread Safety: Safe for concurrent use. Publish may be called from any
// goroutine; delivery runs on the queue's own worker goroutine.
type Queue struct {
	db        *badger.DB
	consumers []Consumer
	cfg       Config
	logger    *slog.Logger

	notify chan string

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewQueue creates a queue over an open BadgerDB handle.
//
// Inputs:
//
//	db - Open database. Must not be nil. SyncWrites should be enabled
//	     in production for the durability guarantee.
//	consumers - The updaters to fan out to. Must not be empty.
//	cfg - Delivery policy. Zero values use defaults.
func NewQueue(db *badger.DB, consumers []Consumer, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if len(consumers) == 0 {
		return nil, errors.New("at least one consumer is required")
	}
	seen := map[string]bool{}
	for _, c := range consumers {
		if c.Name() == "" {
			return nil, errors.New("consumer name must not be empty")
		}
		if seen[c.Name()] {
			return nil, fmt.Errorf("duplicate consumer name %q", c.Name())
		}
		seen[c.Name()] = true
	}
	cfg.applyDefaults()

	return &Queue{
		db:        db,
		consumers: consumers,
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("component", "pipeline")),
		notify:    make(chan string, cfg.Buffer),
		done:      make(chan struct{}),
	}, nil
}

// Publish durably records an event and marks it pending for delivery.
//
// Description:
//
//	Writes the event record, its time index entry, and the pending marker
//	in a single transaction. The commit is synced before Publish returns.
//	Delivery to consumers happens asynchronously.
func (q *Queue) Publish(ctx context.Context, event *capture.InteractionEvent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	ctx, span := tracer.Start(ctx, "pipeline.Publish",
		trace.WithAttributes(attribute.String("event_id", event.EventID)))
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixEvent+event.EventID), data); err != nil {
			return err
		}
		idx := fmt.Sprintf("%s%s/%020d/%s", prefixEventIdx, event.OrgID, event.Timestamp.UnixNano(), event.EventID)
		if err := txn.Set([]byte(idx), []byte(event.EventType)); err != nil {
			return err
		}
		return txn.Set([]byte(prefixPending+event.EventID), []byte{})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish write failed")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	// Wake the worker. The pending marker is authoritative; if the channel
	// is full the recovery scan will pick the event up.
	select {
	case q.notify <- event.EventID:
	default:
	}
	span.SetStatus(codes.Ok, "published")
	return nil
}

// Start launches the delivery worker and replays any pending events left
// over from a previous run.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	go q.run(workerCtx)

	// Recovery: re-notify everything still pending.
	pending, err := q.pendingIDs()
	if err != nil {
		return fmt.Errorf("scanning pending events: %w", err)
	}
	for _, id := range pending {
		select {
		case q.notify <- id:
		default:
		}
	}
	if len(pending) > 0 {
		q.logger.Info("recovered pending events", slog.Int("count", len(pending)))
	}
	return nil
}

// Stop halts delivery and waits for the in-flight dispatch to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancel := q.cancel
	started := q.started
	q.mu.Unlock()

	if started {
		cancel()
		<-q.done
	} else {
		close(q.done)
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	// Periodic sweep catches events whose notification was dropped on a
	// full channel.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.notify:
			if err := q.Dispatch(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("dispatch failed", slog.String("event_id", id), slog.String("error", err.Error()))
			}
		case <-ticker.C:
			pending, err := q.pendingIDs()
			if err != nil {
				q.logger.Warn("pending sweep failed", slog.String("error", err.Error()))
				continue
			}
			for _, id := range pending {
				if err := q.Dispatch(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
					q.logger.Error("dispatch failed", slog.String("event_id", id), slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Dispatch delivers one pending event to every consumer and clears its
// pending marker once each consumer has either acked or dead-lettered it.
//
// Description:
//
//	Consumers run concurrently and independently; they share no state
//	beyond the store. Re-dispatching an already-delivered event is a
//	no-op for every consumer that acked it.
func (q *Queue) Dispatch(ctx context.Context, eventID string) error {
	ctx, span := tracer.Start(ctx, "pipeline.Dispatch",
		trace.WithAttributes(attribute.String("event_id", eventID)))
	defer span.End()

	event, err := q.Event(ctx, eventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			// Stale pending marker with no record. Drop it.
			return q.clearPending(eventID)
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, consumer := range q.consumers {
		g.Go(func() error {
			return q.deliver(gctx, consumer, event)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery incomplete")
		return err
	}

	span.SetStatus(codes.Ok, "delivered")
	return q.clearPending(eventID)
}

// deliver applies one event to one consumer with retry and dead-lettering.
// Returns an error only on context cancellation or store failure; consumer
// failures are absorbed into the dead-letter set.
func (q *Queue) deliver(ctx context.Context, consumer Consumer, event *capture.InteractionEvent) error {
	done, err := q.markerExists(prefixAck + consumer.Name() + "/" + event.EventID)
	if err != nil {
		return err
	}
	if !done {
		done, err = q.markerExists(prefixDead + consumer.Name() + "/" + event.EventID)
		if err != nil {
			return err
		}
	}
	if done {
		return nil
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := q.cfg.RetryBase
			for i := 1; i < attempt; i++ {
				delay *= time.Duration(q.cfg.RetryFactor)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		attempts++
		lastErr = consumer.Apply(ctx, event)
		if lastErr == nil {
			return q.setMarker(prefixAck+consumer.Name()+"/"+event.EventID, nil)
		}
		if errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		q.logger.Warn("consumer apply failed",
			slog.String("consumer", consumer.Name()),
			slog.String("event_id", event.EventID),
			slog.Int("attempt", attempts),
			slog.String("error", lastErr.Error()))
	}

	dl := DeadLetter{
		EventID:  event.EventID,
		Consumer: consumer.Name(),
		Reason:   lastErr.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	q.logger.Error("event dead-lettered",
		slog.String("consumer", consumer.Name()),
		slog.String("event_id", event.EventID),
		slog.String("reason", dl.Reason))
	return q.setMarker(prefixDead+consumer.Name()+"/"+event.EventID, data)
}

// Event loads a stored event by id.
func (q *Queue) Event(ctx context.Context, eventID string) (*capture.InteractionEvent, error) {
	var event capture.InteractionEvent
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixEvent + eventID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &event)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading event %s: %w", eventID, err)
	}
	return &event, nil
}

// DeadLetters returns the dead-letter set, optionally filtered by consumer
// name ("" returns all).
func (q *Queue) DeadLetters(ctx context.Context, consumer string) ([]DeadLetter, error) {
	prefix := prefixDead
	if consumer != "" {
		prefix += consumer + "/"
	}
	var letters []DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var dl DeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dl)
			}); err != nil {
				return err
			}
			letters = append(letters, dl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning dead letters: %w", err)
	}
	return letters, nil
}

// CountEvents aggregates event counts by type for one organization within
// [from, to). Used by the analytics endpoint; read-only.
func (q *Queue) CountEvents(ctx context.Context, orgID string, from, to time.Time) (map[capture.EventType]int, error) {
	counts := make(map[capture.EventType]int)
	start := fmt.Sprintf("%s%s/%020d/", prefixEventIdx, orgID, from.UnixNano())
	end := fmt.Sprintf("%s%s/%020d/", prefixEventIdx, orgID, to.UnixNano())

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEventIdx + orgID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(start)); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if key >= end {
				break
			}
			if err := it.Item().Value(func(val []byte) error {
				counts[capture.EventType(val)]++
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	return counts, nil
}

// PendingCount reports how many events still await delivery.
func (q *Queue) PendingCount() (int, error) {
	ids, err := q.pendingIDs()
	return len(ids), err
}

func (q *Queue) pendingIDs() ([]string, error) {
	var ids []string
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPending)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), prefixPending))
		}
		return nil
	})
	return ids, err
}

func (q *Queue) clearPending(eventID string) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixPending + eventID))
	})
	if err != nil {
		return fmt.Errorf("%w: clearing pending marker: %v", ErrPersistence, err)
	}
	return nil
}

func (q *Queue) markerExists(key string) (bool, error) {
	var exists bool
	err := q.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (q *Queue) setMarker(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("%w: writing marker: %v", ErrPersistence, err)
	}
	return nil
}
