package rank

import (
	"math"
	"sort"
	"time"

	"progression-engine/internal/domain"
)

const (
	InactivityWindow = 7 * 24 * time.Hour
	DecayRate        = 0.95

	ReasonMatch = "match"
	ReasonDecay = "decay"
)

type Engine struct {
	tiers []domain.RankTier
}

// NewEngine expects tiers ordered by strictly increasing MinPoints, as the
// catalog guarantees.
func NewEngine(tiers []domain.RankTier) *Engine {
	return &Engine{tiers: tiers}
}

func (e *Engine) Tiers() []domain.RankTier {
	return e.tiers
}

// TierIndex scans from the highest tier down and returns the first one whose
// MinPoints is at or below points.
func (e *Engine) TierIndex(points int) int {
	for i := len(e.tiers) - 1; i >= 0; i-- {
		if e.tiers[i].MinPoints <= points {
			return i
		}
	}
	return 0
}

func (e *Engine) TierFor(points int) domain.RankTier {
	return e.tiers[e.TierIndex(points)]
}

func (e *Engine) indexOf(tierID string) int {
	for i, t := range e.tiers {
		if t.ID == tierID {
			return i
		}
	}
	return -1
}

type TierChange struct {
	PlayerID  string
	SeasonID  string
	From      domain.RankTier
	To        domain.RankTier
	Promotion bool
	Reason    string
}

type Award struct {
	OldTier      domain.RankTier
	NewTier      domain.RankTier
	OldPoints    int
	NewPoints    int
	PointsChange int
	Change       *TierChange
	Rewards      []domain.Reward
}

// Record returns the player's record for the season, creating an empty one
// in the lowest tier when the player has none yet.
func (e *Engine) Record(state *domain.PlayerState, seasonID string) *domain.PlayerRankRecord {
	rec, ok := state.Ranks[seasonID]
	if !ok {
		rec = &domain.PlayerRankRecord{
			PlayerID: state.PlayerID,
			SeasonID: seasonID,
			TierID:   e.tiers[0].ID,
		}
		state.Ranks[seasonID] = rec
	}
	return rec
}

// AwardPoints applies delta to the season record, clamping at zero. A
// promotion yields a reward list for the caller to grant; demotions do not
// cost anything beyond the points.
func (e *Engine) AwardPoints(state *domain.PlayerState, seasonID string, delta int, reason string) Award {
	rec := e.Record(state, seasonID)

	oldIdx := e.indexOf(rec.TierID)
	if oldIdx < 0 {
		oldIdx = e.TierIndex(rec.Points)
	}

	oldPoints := rec.Points
	newPoints := oldPoints + delta
	if newPoints < 0 {
		newPoints = 0
	}
	newIdx := e.TierIndex(newPoints)

	rec.Points = newPoints
	rec.TierID = e.tiers[newIdx].ID

	award := Award{
		OldTier:      e.tiers[oldIdx],
		NewTier:      e.tiers[newIdx],
		OldPoints:    oldPoints,
		NewPoints:    newPoints,
		PointsChange: newPoints - oldPoints,
	}
	if newIdx != oldIdx {
		award.Change = &TierChange{
			PlayerID:  state.PlayerID,
			SeasonID:  seasonID,
			From:      award.OldTier,
			To:        award.NewTier,
			Promotion: newIdx > oldIdx,
			Reason:    reason,
		}
	}
	if newIdx > oldIdx {
		award.Rewards = PromotionReward(newIdx)
	}
	return award
}

func PromotionReward(tierIndex int) []domain.Reward {
	return []domain.Reward{
		domain.CurrencyReward(domain.CurrencyCoins, int64(tierIndex*100+200)),
		domain.CurrencyReward(domain.CurrencyXP, int64(tierIndex*50+100)),
	}
}

type MatchResult struct {
	Placement int  `json:"placement"`
	Kills     int  `json:"kills"`
	Won       bool `json:"won"`
}

// ScoreMatch converts a match result into a point delta.
func ScoreMatch(r MatchResult) int {
	delta := -10
	if r.Won {
		delta = 25
	}

	switch {
	case r.Placement == 1:
		delta += 20
	case r.Placement == 2:
		delta += 15
	case r.Placement == 3:
		delta += 10
	case r.Placement <= 5:
		delta += 5
	case r.Placement <= 10:
	default:
		delta -= 5
	}

	delta += min(r.Kills*2, 20)
	return delta
}

// RecordMatch stamps the match on the season record and awards its points.
func (e *Engine) RecordMatch(state *domain.PlayerState, seasonID string, r MatchResult, now time.Time) Award {
	rec := e.Record(state, seasonID)
	rec.LastMatchAt = now
	if r.Won {
		rec.Wins++
	} else {
		rec.Losses++
	}
	return e.AwardPoints(state, seasonID, ScoreMatch(r), ReasonMatch)
}

// DecayDelta returns the (non-positive) point change owed by an inactive
// record at now, and whether decay applies at all.
func DecayDelta(rec domain.PlayerRankRecord, now time.Time) (int, bool) {
	if rec.Points <= 0 || now.Sub(rec.LastMatchAt) <= InactivityWindow {
		return 0, false
	}
	loss := int(math.Round(float64(rec.Points) * (1 - DecayRate)))
	if loss <= 0 {
		return 0, false
	}
	return -loss, true
}

// SortLeaderboard orders records by points descending, then earliest
// LastMatchAt, then player id, so equal inputs always produce equal output.
func SortLeaderboard(records []domain.PlayerRankRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if !a.LastMatchAt.Equal(b.LastMatchAt) {
			return a.LastMatchAt.Before(b.LastMatchAt)
		}
		return a.PlayerID < b.PlayerID
	})
}
