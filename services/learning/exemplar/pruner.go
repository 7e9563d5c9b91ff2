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
	"log/slog"
	"sync"
	"time"
)

// Pruner periodically removes stale, unused, low-quality exemplars.
//
// Thread Safety: Start and Stop are safe to call from different goroutines.
// Stop is idempotent.
type Pruner struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPruner creates a pruner. Interval defaults to one hour.
func NewPruner(store *Store, interval time.Duration, logger *slog.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "exemplar_pruner")),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (p *Pruner) Start() {
	p.wg.Add(1)
	go p.run()
	p.logger.Info("exemplar pruner started", slog.Duration("interval", p.interval))
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

func (p *Pruner) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			removed, err := p.store.Prune(ctx)
			cancel()
			if err != nil {
				p.logger.Warn("prune sweep failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				p.logger.Info("prune sweep complete", slog.Int("removed", removed))
			}
		}
	}
}
