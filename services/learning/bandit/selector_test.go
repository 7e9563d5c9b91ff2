// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/AleutianAI/quotewise/services/learning/storage"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestSelector(t *testing.T, seed int64) *Selector {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sel, err := NewSelector(db, seed, nil)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return sel
}

// =============================================================================
// Beta Sampler Tests
// =============================================================================

func TestSampleBeta_Range(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		v := sampleBeta(rng, 1, 1)
		if v < 0 || v > 1 {
			t.Fatalf("sampleBeta out of range: %v", v)
		}
	}
}

func TestSampleBeta_MeanTracksCounters(t *testing.T) {
	// Beta(91, 11) has mean ~0.89; Beta(11, 91) has mean ~0.11. The sample
	// averages should land near those, well apart from each other.
	rng := rand.New(rand.NewSource(7))
	const n = 5000

	sumHigh, sumLow := 0.0, 0.0
	for i := 0; i < n; i++ {
		sumHigh += sampleBeta(rng, 91, 11)
		sumLow += sampleBeta(rng, 11, 91)
	}
	meanHigh := sumHigh / n
	meanLow := sumLow / n

	if meanHigh < 0.85 || meanHigh > 0.93 {
		t.Errorf("mean of Beta(91,11) samples = %v, want ~0.89", meanHigh)
	}
	if meanLow < 0.07 || meanLow > 0.15 {
		t.Errorf("mean of Beta(11,91) samples = %v, want ~0.11", meanLow)
	}
}

func TestSampleGamma_SmallShape(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 1000; i++ {
		v := sampleGamma(rng, 0.5)
		if v < 0 {
			t.Fatalf("sampleGamma(0.5) negative: %v", v)
		}
	}
	if sampleGamma(rng, 0) != 0 {
		t.Error("sampleGamma(0) should be 0")
	}
}

// =============================================================================
// Selector Tests
// =============================================================================

func TestSelector_SelectArm_ProvisionsDefaults(t *testing.T) {
	sel := newTestSelector(t, 1)
	ctx := context.Background()

	arm, pullID, err := sel.SelectArm(ctx, "org-1", "pricing", nil)
	if err != nil {
		t.Fatalf("SelectArm: %v", err)
	}
	if arm == "" || pullID == "" {
		t.Fatal("arm and pull id must be set")
	}

	arms, err := sel.Arms(ctx, "org-1", "pricing")
	if err != nil {
		t.Fatalf("Arms: %v", err)
	}
	if len(arms) != 3 {
		t.Fatalf("arms = %d, want 3 defaults", len(arms))
	}
	names := map[string]bool{}
	for _, a := range arms {
		names[a.Name] = true
	}
	for _, want := range DefaultArms() {
		if !names[want] {
			t.Errorf("missing default arm %q", want)
		}
	}
}

func TestSelector_SelectArm_EmptyInputs(t *testing.T) {
	sel := newTestSelector(t, 1)
	if _, _, err := sel.SelectArm(context.Background(), "", "pricing", nil); err == nil {
		t.Error("expected error for empty org id")
	}
	if _, _, err := sel.SelectArm(context.Background(), "org-1", "", nil); err == nil {
		t.Error("expected error for empty decision type")
	}
}

func TestSelector_SelectArm_LogsPull(t *testing.T) {
	sel := newTestSelector(t, 1)
	ctx := context.Background()

	arm, pullID, err := sel.SelectArm(ctx, "org-1", "pricing", map[string]any{"item": "widget"})
	if err != nil {
		t.Fatalf("SelectArm: %v", err)
	}

	pull, err := sel.Pull(ctx, pullID)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if pull.Arm != arm || pull.OrgID != "org-1" || pull.DecisionType != "pricing" {
		t.Errorf("unexpected pull: %+v", pull)
	}
	if pull.Rewarded {
		t.Error("fresh pull must not be marked rewarded")
	}
	if pull.Context["item"] != "widget" {
		t.Errorf("pull context = %v", pull.Context)
	}
}

func TestSelector_Convergence(t *testing.T) {
	// With a rigged environment where one arm always succeeds and the
	// others always fail, Thompson sampling should concentrate its pulls
	// on the winner.
	sel := newTestSelector(t, 99)
	ctx := context.Background()
	const rounds = 200

	pullsByArm := map[string]int{}
	for i := 0; i < rounds; i++ {
		arm, pullID, err := sel.SelectArm(ctx, "org-1", "pricing", nil)
		if err != nil {
			t.Fatalf("SelectArm round %d: %v", i, err)
		}
		pullsByArm[arm]++

		reward := 0.0
		if arm == ArmPreferFacts {
			reward = 1.0
		}
		if err := sel.UpdateReward(ctx, pullID, reward); err != nil {
			t.Fatalf("UpdateReward round %d: %v", i, err)
		}
	}

	// The winning arm should take a clear majority of the later pulls;
	// over the whole run a majority is a conservative bound.
	if pullsByArm[ArmPreferFacts] < rounds/2 {
		t.Errorf("winner pulled %d/%d times, want majority; distribution %v",
			pullsByArm[ArmPreferFacts], rounds, pullsByArm)
	}
}

func TestSelector_OrgIsolation(t *testing.T) {
	sel := newTestSelector(t, 5)
	ctx := context.Background()

	// Train org-1 hard toward one arm.
	for i := 0; i < 50; i++ {
		arm, pullID, err := sel.SelectArm(ctx, "org-1", "pricing", nil)
		if err != nil {
			t.Fatalf("SelectArm: %v", err)
		}
		reward := 0.0
		if arm == ArmPreferExemplars {
			reward = 1.0
		}
		if err := sel.UpdateReward(ctx, pullID, reward); err != nil {
			t.Fatalf("UpdateReward: %v", err)
		}
	}

	// org-2 posteriors remain untouched.
	if _, _, err := sel.SelectArm(ctx, "org-2", "pricing", nil); err != nil {
		t.Fatalf("SelectArm org-2: %v", err)
	}
	arms, err := sel.Arms(ctx, "org-2", "pricing")
	if err != nil {
		t.Fatalf("Arms: %v", err)
	}
	for _, arm := range arms {
		if arm.TotalPulls != 0 || arm.SuccessCount != 0 || arm.FailureCount != 0 {
			t.Errorf("org-2 arm %q has counters %+v, want zero", arm.Name, arm)
		}
	}
}

// =============================================================================
// Reward Tests
// =============================================================================

func TestSelector_UpdateReward(t *testing.T) {
	sel := newTestSelector(t, 1)
	ctx := context.Background()

	arm, pullID, err := sel.SelectArm(ctx, "org-1", "pricing", nil)
	if err != nil {
		t.Fatalf("SelectArm: %v", err)
	}
	if err := sel.UpdateReward(ctx, pullID, 1.0); err != nil {
		t.Fatalf("UpdateReward: %v", err)
	}

	arms, _ := sel.Arms(ctx, "org-1", "pricing")
	for _, a := range arms {
		if a.Name != arm {
			continue
		}
		if a.SuccessCount != 1 || a.FailureCount != 0 || a.TotalPulls != 1 {
			t.Errorf("counters = %+v", a)
		}
		if a.RunningAvgReward != 1.0 {
			t.Errorf("RunningAvgReward = %v, want 1.0", a.RunningAvgReward)
		}
	}
}

func TestSelector_UpdateReward_BelowThresholdIsFailure(t *testing.T) {
	sel := newTestSelector(t, 1)
	ctx := context.Background()

	arm, pullID, _ := sel.SelectArm(ctx, "org-1", "pricing", nil)
	if err := sel.UpdateReward(ctx, pullID, 0.3); err != nil {
		t.Fatalf("UpdateReward: %v", err)
	}

	arms, _ := sel.Arms(ctx, "org-1", "pricing")
	for _, a := range arms {
		if a.Name == arm {
			if a.SuccessCount != 0 || a.FailureCount != 1 {
				t.Errorf("counters = %+v, want one failure", a)
			}
		}
	}
}

func TestSelector_UpdateReward_Idempotent(t *testing.T) {
	sel := newTestSelector(t, 1)
	ctx := context.Background()

	arm, pullID, _ := sel.SelectArm(ctx, "org-1", "pricing", nil)
	for i := 0; i < 3; i++ {
		if err := sel.UpdateReward(ctx, pullID, 1.0); err != nil {
			t.Fatalf("UpdateReward %d: %v", i, err)
		}
	}

	arms, _ := sel.Arms(ctx, "org-1", "pricing")
	for _, a := range arms {
		if a.Name == arm && a.TotalPulls != 1 {
			t.Errorf("TotalPulls = %d, want 1 (re-delivery must not double count)", a.TotalPulls)
		}
	}
}

func TestSelector_UpdateReward_Validation(t *testing.T) {
	sel := newTestSelector(t, 1)
	ctx := context.Background()

	err := sel.UpdateReward(ctx, "any", 1.5)
	if !errors.Is(err, ErrInvalidReward) {
		t.Errorf("want ErrInvalidReward, got %v", err)
	}
	err = sel.UpdateReward(ctx, "missing-pull", 0.5)
	if !errors.Is(err, ErrPullNotFound) {
		t.Errorf("want ErrPullNotFound, got %v", err)
	}
}

func TestSelector_Arms_EmptyForUnknownPair(t *testing.T) {
	sel := newTestSelector(t, 1)
	arms, err := sel.Arms(context.Background(), "never-used", "pricing")
	if err != nil {
		t.Fatalf("Arms: %v", err)
	}
	if len(arms) != 0 {
		t.Errorf("arms = %d, want 0", len(arms))
	}
}
