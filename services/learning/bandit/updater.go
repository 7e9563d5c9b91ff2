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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/quotewise/services/learning/capture"
)

// RewardMapping translates a raw outcome into the [0,1] reward fed to the
// posterior. The defaults are a working assumption, not settled ground
// truth; they are configurable so real usage data can recalibrate them.
type RewardMapping struct {
	Accepted  float64 `yaml:"accepted"`
	Corrected float64 `yaml:"corrected"`
	Rejected  float64 `yaml:"rejected"`
}

// DefaultRewardMapping returns accepted=1.0, corrected=0.3, rejected=0.0.
func DefaultRewardMapping() RewardMapping {
	return RewardMapping{Accepted: 1.0, Corrected: 0.3, Rejected: 0.0}
}

// Updater closes the feedback loop: interaction events that reference a
// pull id move the corresponding arm's posterior. It is one of the three
// pipeline consumers.
type Updater struct {
	selector *Selector
	rewards  RewardMapping
	logger   *slog.Logger
}

// NewUpdater creates the bandit pipeline consumer.
func NewUpdater(selector *Selector, rewards RewardMapping, logger *slog.Logger) (*Updater, error) {
	if selector == nil {
		return nil, fmt.Errorf("selector must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		selector: selector,
		rewards:  rewards,
		logger:   logger.With(slog.String("consumer", "bandit")),
	}, nil
}

// Name implements pipeline.Consumer.
func (u *Updater) Name() string { return "bandit" }

// Apply implements pipeline.Consumer.
//
// Description:
//
//	Events with no pull reference are not feedback on a prediction and
//	are skipped. For feedback events the reward is derived from the
//	event type (correction, rejection), the explicit feedback kind
//	(acceptance), or a 1-5 rating scaled into [0,1]. An unknown pull id
//	is tolerated: the pull may predate a store reset, and feedback must
//	never poison the pipeline.
func (u *Updater) Apply(ctx context.Context, event *capture.InteractionEvent) error {
	feedback := capture.FeedbackOf(event.Payload)
	if feedback.PullID == "" {
		return nil
	}

	reward, ok := u.rewardFor(event.EventType, feedback)
	if !ok {
		return nil
	}

	err := u.selector.UpdateReward(ctx, feedback.PullID, reward)
	if errors.Is(err, ErrPullNotFound) {
		u.logger.Warn("feedback for unknown pull, skipping",
			slog.String("pull_id", feedback.PullID),
			slog.String("event_id", event.EventID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("updating reward for pull %s: %w", feedback.PullID, err)
	}

	u.logger.Debug("applied reward",
		slog.String("pull_id", feedback.PullID),
		slog.Float64("reward", reward))
	return nil
}

func (u *Updater) rewardFor(eventType capture.EventType, feedback capture.FeedbackFields) (float64, bool) {
	switch eventType {
	case capture.TypeCorrection:
		return u.rewards.Corrected, true
	case capture.TypeRejection:
		return u.rewards.Rejected, true
	case capture.TypeSelection:
		if feedback.FeedbackType == "acceptance" {
			return u.rewards.Accepted, true
		}
		return 0, false
	case capture.TypeCompletion:
		if feedback.Rating > 0 {
			return clamp01(float64(feedback.Rating) / 5.0), true
		}
		return 0, false
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
