package events

import (
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/domain"
)

type Advance struct {
	CompletedNow  bool
	TotalProgress int
	Rewards       []domain.Reward
}

// AdvanceChallenge adds increment to the player's progress on one challenge.
// Completion fires once, the first time the counter reaches the requirement;
// later advances keep counting but never grant the reward again.
func AdvanceChallenge(state *domain.PlayerState, eventID string, challenge domain.LiveEventChallenge, increment int, now time.Time) (Advance, error) {
	if increment <= 0 {
		return Advance{}, apperr.Validation("increment must be positive")
	}

	byChallenge, ok := state.Events[eventID]
	if !ok {
		byChallenge = map[string]*domain.EventChallengeProgress{}
		state.Events[eventID] = byChallenge
	}
	progress, ok := byChallenge[challenge.ChallengeID]
	if !ok {
		progress = &domain.EventChallengeProgress{}
		byChallenge[challenge.ChallengeID] = progress
	}

	progress.ProgressCount += increment

	out := Advance{TotalProgress: progress.ProgressCount}
	if !progress.Completed && progress.ProgressCount >= challenge.Requirement {
		completedAt := now
		progress.Completed = true
		progress.CompletedAt = &completedAt
		out.CompletedNow = true
		out.Rewards = append([]domain.Reward(nil), challenge.Rewards...)
	}
	return out, nil
}
