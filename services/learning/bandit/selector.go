// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bandit implements the per-organization contextual bandit that
// decides which inference strategy to trust for a decision type.
//
// Selection is Thompson sampling over Beta posteriors: each arm's
// success/failure counters define Beta(success+1, failure+1); the arm with
// the highest posterior draw wins the pull. The sampler runs on an injected
// random source, so selection is deterministic under a seed and therefore
// testable; there is no opaque "the model decides" step.
//
// A pull with no feedback simply leaves the arm's posterior where it was.
// No timeout penalty is applied.
package bandit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Sentinel errors for the strategy selector.
var (
	// ErrPullNotFound indicates an unknown pull id on reward update.
	ErrPullNotFound = errors.New("pull not found")

	// ErrArmNotFound indicates the pull references an arm that no longer
	// resolves (should not happen; arms are never deleted).
	ErrArmNotFound = errors.New("strategy arm not found")

	// ErrInvalidReward is returned for rewards outside [0,1].
	ErrInvalidReward = errors.New("reward must be between 0 and 1")
)

// Strategy arm names provisioned for every (org, decision type) pair at
// first use.
const (
	ArmPreferExemplars = "prefer_exemplars"
	ArmPreferFacts     = "prefer_facts"
	ArmBalanced        = "balanced"
)

// DefaultArms returns the arm set provisioned at first use.
func DefaultArms() []string {
	return []string{ArmPreferExemplars, ArmPreferFacts, ArmBalanced}
}

// Arm is one candidate strategy with its posterior counters.
//
// SuccessCount, FailureCount, and TotalPulls are monotonically
// non-decreasing; feedback only ever adds observations.
type Arm struct {
	OrgID            string         `json:"org_id"`
	DecisionType     string         `json:"decision_type"`
	Name             string         `json:"arm_name"`
	Config           map[string]any `json:"config,omitempty"`
	SuccessCount     int64          `json:"success_count"`
	FailureCount     int64          `json:"failure_count"`
	TotalPulls       int64          `json:"total_pulls"`
	RunningAvgReward float64        `json:"running_avg_reward"`
}

// Pull is the logged record of one select call, kept so a later reward can
// be matched back to the arm that produced it.
type Pull struct {
	PullID       string         `json:"pull_id"`
	OrgID        string         `json:"org_id"`
	DecisionType string         `json:"decision_type"`
	Arm          string         `json:"arm"`
	Context      map[string]any `json:"context,omitempty"`
	PulledAt     time.Time      `json:"pulled_at"`
	Rewarded     bool           `json:"rewarded"`
}

const (
	prefixArm  = "arm/"
	prefixPull = "pull/"
)

// Selector is the badger-backed Thompson sampling strategy selector.
//
// Thread Safety: Safe for concurrent use. Counter updates run inside
// transactions retried on optimistic-concurrency collision, so concurrent
// pulls and rewards for the same organization never lose increments.
type Selector struct {
	db     *badger.DB
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

// NewSelector creates a selector over an open BadgerDB handle.
//
// Inputs:
//
//	db - Open database. Must not be nil.
//	seed - Seed for the sampling source. Pass a fixed value in tests for
//	       reproducible selection; time-based in production.
//	logger - Logger. Default: slog.Default().
func NewSelector(db *badger.DB, seed int64, logger *slog.Logger) (*Selector, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		db:     db,
		logger: logger.With(slog.String("component", "bandit")),
		rng:    rand.New(rand.NewSource(seed)),
		now:    time.Now,
	}, nil
}

// SelectArm runs one Thompson sampling round and logs the pull.
//
// Description:
//
//	Provisions the default arm set on first use for the (org, decision
//	type) pair, draws Beta(success+1, failure+1) for every arm, and picks
//	the highest draw. The pull is recorded with its context before the
//	arm name is returned, so a crash between select and use never orphans
//	the feedback path.
//
// Outputs:
//
//	armName - The winning strategy arm.
//	pullID - Handle for the matching UpdateReward call.
func (s *Selector) SelectArm(ctx context.Context, orgID, decisionType string, pullContext map[string]any) (armName, pullID string, err error) {
	if orgID == "" || decisionType == "" {
		return "", "", errors.New("org id and decision type must not be empty")
	}

	arms, err := s.loadOrProvisionArms(orgID, decisionType)
	if err != nil {
		return "", "", err
	}

	s.rngMu.Lock()
	best := ""
	bestSample := -1.0
	for _, arm := range arms {
		sample := sampleBeta(s.rng, float64(arm.SuccessCount)+1, float64(arm.FailureCount)+1)
		if sample > bestSample {
			bestSample = sample
			best = arm.Name
		}
	}
	s.rngMu.Unlock()

	pull := Pull{
		PullID:       uuid.NewString(),
		OrgID:        orgID,
		DecisionType: decisionType,
		Arm:          best,
		Context:      pullContext,
		PulledAt:     s.now().UTC(),
	}
	data, err := json.Marshal(pull)
	if err != nil {
		return "", "", fmt.Errorf("encoding pull: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixPull+pull.PullID), data)
	})
	if err != nil {
		return "", "", fmt.Errorf("logging pull: %w", err)
	}

	s.logger.Debug("selected strategy arm",
		slog.String("org_id", orgID),
		slog.String("decision_type", decisionType),
		slog.String("arm", best),
		slog.String("pull_id", pull.PullID))
	return best, pull.PullID, nil
}

// UpdateReward applies the observed reward for a past pull to its arm.
//
// Description:
//
//	A reward >= 0.5 counts as a success, below as a failure. TotalPulls
//	and the running average always advance. Rewarding the same pull twice
//	is a no-op, which keeps the updater idempotent under pipeline
//	re-delivery.
func (s *Selector) UpdateReward(ctx context.Context, pullID string, reward float64) error {
	if reward < 0 || reward > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidReward, reward)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			pullKey := []byte(prefixPull + pullID)
			item, err := txn.Get(pullKey)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrPullNotFound, pullID)
			}
			if err != nil {
				return err
			}
			var pull Pull
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &pull)
			}); err != nil {
				return err
			}
			if pull.Rewarded {
				return nil // already applied
			}

			armKey := []byte(armKeyOf(pull.OrgID, pull.DecisionType, pull.Arm))
			armItem, err := txn.Get(armKey)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrArmNotFound, pull.Arm)
			}
			if err != nil {
				return err
			}
			var arm Arm
			if err := armItem.Value(func(val []byte) error {
				return json.Unmarshal(val, &arm)
			}); err != nil {
				return err
			}

			if reward >= 0.5 {
				arm.SuccessCount++
			} else {
				arm.FailureCount++
			}
			arm.TotalPulls++
			arm.RunningAvgReward += (reward - arm.RunningAvgReward) / float64(arm.TotalPulls)

			armData, err := json.Marshal(arm)
			if err != nil {
				return err
			}
			if err := txn.Set(armKey, armData); err != nil {
				return err
			}

			pull.Rewarded = true
			pullData, err := json.Marshal(pull)
			if err != nil {
				return err
			}
			return txn.Set(pullKey, pullData)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return badger.ErrConflict
}

// Arms returns the arm set for one (org, decision type) pair. Empty if the
// pair has never been used.
func (s *Selector) Arms(ctx context.Context, orgID, decisionType string) ([]Arm, error) {
	var arms []Arm
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixArm + orgID + "/" + decisionType + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var arm Arm
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &arm)
			}); err != nil {
				return err
			}
			arms = append(arms, arm)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning arms: %w", err)
	}
	return arms, nil
}

// Pull loads a logged pull by id.
func (s *Selector) Pull(ctx context.Context, pullID string) (*Pull, error) {
	var pull Pull
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixPull + pullID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &pull)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPullNotFound, pullID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading pull: %w", err)
	}
	return &pull, nil
}

// loadOrProvisionArms returns the arm set, creating the defaults inside a
// transaction on first use. Provisioning races resolve to the same state.
func (s *Selector) loadOrProvisionArms(orgID, decisionType string) ([]Arm, error) {
	arms, err := s.Arms(context.Background(), orgID, decisionType)
	if err != nil {
		return nil, err
	}
	if len(arms) > 0 {
		return arms, nil
	}

	for _, name := range DefaultArms() {
		arm := Arm{
			OrgID:        orgID,
			DecisionType: decisionType,
			Name:         name,
		}
		data, err := json.Marshal(arm)
		if err != nil {
			return nil, err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			key := []byte(armKeyOf(orgID, decisionType, name))
			if _, err := txn.Get(key); err == nil {
				return nil // concurrent provisioner got here first
			}
			return txn.Set(key, data)
		})
		if err != nil && !errors.Is(err, badger.ErrConflict) {
			return nil, fmt.Errorf("provisioning arm %s: %w", name, err)
		}
		arms = append(arms, arm)
	}
	s.logger.Info("provisioned strategy arms",
		slog.String("org_id", orgID),
		slog.String("decision_type", decisionType),
		slog.Int("count", len(arms)))
	return arms, nil
}

func armKeyOf(orgID, decisionType, name string) string {
	return prefixArm + orgID + "/" + decisionType + "/" + name
}
