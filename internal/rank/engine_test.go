package rank

import (
	"math/rand/v2"
	"testing"
	"time"

	"progression-engine/internal/catalog"
	"progression-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	c, err := catalog.Load("")
	require.NoError(t, err)
	return NewEngine(c.Tiers())
}

func TestAwardPointsPromotesAndRewards(t *testing.T) {
	e := newTestEngine(t)
	state := domain.NewPlayerState("p1")

	award := e.AwardPoints(state, "s1", 850, ReasonMatch)

	assert.Equal(t, "bronze_1", award.OldTier.ID)
	assert.Equal(t, "bronze_3", award.NewTier.ID)
	assert.Equal(t, 800, award.NewTier.MinPoints)
	assert.Equal(t, 1199, award.NewTier.MaxPoints)
	assert.Equal(t, 850, award.NewPoints)
	require.NotNil(t, award.Change)
	assert.True(t, award.Change.Promotion)
	assert.Equal(t, []domain.Reward{
		domain.CurrencyReward(domain.CurrencyCoins, 400),
		domain.CurrencyReward(domain.CurrencyXP, 200),
	}, award.Rewards)

	rec := state.Ranks["s1"]
	require.NotNil(t, rec)
	assert.Equal(t, "bronze_3", rec.TierID)
	assert.Equal(t, 850, rec.Points)
}

func TestAwardPointsDemotionHasNoReward(t *testing.T) {
	e := newTestEngine(t)
	state := domain.NewPlayerState("p1")
	e.AwardPoints(state, "s1", 1300, ReasonMatch)

	award := e.AwardPoints(state, "s1", -200, ReasonMatch)

	assert.Equal(t, "silver_1", award.OldTier.ID)
	assert.Equal(t, "bronze_3", award.NewTier.ID)
	require.NotNil(t, award.Change)
	assert.False(t, award.Change.Promotion)
	assert.Empty(t, award.Rewards)
}

func TestAwardPointsWithinTierHasNoChange(t *testing.T) {
	e := newTestEngine(t)
	state := domain.NewPlayerState("p1")

	award := e.AwardPoints(state, "s1", 50, ReasonMatch)

	assert.Nil(t, award.Change)
	assert.Empty(t, award.Rewards)
	assert.Equal(t, 50, award.PointsChange)
}

func TestAwardPointsNeverNegative(t *testing.T) {
	e := newTestEngine(t)
	state := domain.NewPlayerState("p1")
	r := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 2000; i++ {
		delta := r.IntN(1200) - 700
		award := e.AwardPoints(state, "s1", delta, ReasonMatch)
		require.GreaterOrEqual(t, award.NewPoints, 0)
		require.Equal(t, e.TierFor(award.NewPoints).ID, state.Ranks["s1"].TierID)
	}

	award := e.AwardPoints(state, "s1", -1_000_000, ReasonMatch)
	assert.Equal(t, 0, award.NewPoints)
	assert.Equal(t, "bronze_1", award.NewTier.ID)
}

func TestTierIndexMonotonic(t *testing.T) {
	e := newTestEngine(t)
	prev := e.TierIndex(0)
	for p := 1; p <= 9000; p++ {
		idx := e.TierIndex(p)
		require.GreaterOrEqual(t, idx, prev, "points %d", p)
		prev = idx
	}
	assert.Equal(t, len(e.Tiers())-1, e.TierIndex(1_000_000))
	assert.True(t, e.TierFor(1_000_000).IsTopRank)
}

func TestScoreMatch(t *testing.T) {
	tests := []struct {
		name   string
		result MatchResult
		want   int
	}{
		{"first place win", MatchResult{Placement: 1, Kills: 4, Won: true}, 25 + 20 + 8},
		{"kill bonus capped", MatchResult{Placement: 1, Kills: 40, Won: true}, 25 + 20 + 20},
		{"mid table loss", MatchResult{Placement: 7, Kills: 0}, -10},
		{"top five loss", MatchResult{Placement: 4, Kills: 1}, -10 + 5 + 2},
		{"bottom loss", MatchResult{Placement: 30, Kills: 0}, -15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScoreMatch(tt.result))
		})
	}
}

func TestRecordMatchUpdatesCounters(t *testing.T) {
	e := newTestEngine(t)
	state := domain.NewPlayerState("p1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e.RecordMatch(state, "s1", MatchResult{Placement: 1, Won: true}, now)
	e.RecordMatch(state, "s1", MatchResult{Placement: 9}, now.Add(time.Hour))

	rec := state.Ranks["s1"]
	assert.Equal(t, 1, rec.Wins)
	assert.Equal(t, 1, rec.Losses)
	assert.Equal(t, now.Add(time.Hour), rec.LastMatchAt)
	assert.Equal(t, 45-10, rec.Points)
}

func TestDecayDelta(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	delta, due := DecayDelta(domain.PlayerRankRecord{Points: 1000, LastMatchAt: now.Add(-8 * 24 * time.Hour)}, now)
	assert.True(t, due)
	assert.Equal(t, -50, delta)

	_, due = DecayDelta(domain.PlayerRankRecord{Points: 1000, LastMatchAt: now.Add(-6 * 24 * time.Hour)}, now)
	assert.False(t, due)

	_, due = DecayDelta(domain.PlayerRankRecord{Points: 0, LastMatchAt: now.Add(-30 * 24 * time.Hour)}, now)
	assert.False(t, due)
}

func TestDecayNeverRaisesTier(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	for _, points := range []int{10, 399, 400, 801, 2400, 7600, 20000} {
		state := domain.NewPlayerState("p1")
		e.AwardPoints(state, "s1", points, ReasonMatch)
		state.Ranks["s1"].LastMatchAt = now.Add(-10 * 24 * time.Hour)

		delta, due := DecayDelta(*state.Ranks["s1"], now)
		if !due {
			continue
		}
		award := e.AwardPoints(state, "s1", delta, ReasonDecay)
		assert.LessOrEqual(t, award.NewPoints, points)
		assert.LessOrEqual(t, e.TierIndex(award.NewPoints), e.TierIndex(points))
		assert.Empty(t, award.Rewards)
	}
}

func TestSortLeaderboard(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []domain.PlayerRankRecord{
		{PlayerID: "c", Points: 500, LastMatchAt: base.Add(2 * time.Hour)},
		{PlayerID: "a", Points: 900, LastMatchAt: base.Add(5 * time.Hour)},
		{PlayerID: "d", Points: 500, LastMatchAt: base.Add(1 * time.Hour)},
		{PlayerID: "b", Points: 500, LastMatchAt: base.Add(1 * time.Hour)},
		{PlayerID: "e", Points: 100, LastMatchAt: base},
	}

	first := append([]domain.PlayerRankRecord(nil), records...)
	SortLeaderboard(first)
	ids := make([]string, len(first))
	for i, r := range first {
		ids[i] = r.PlayerID
	}
	assert.Equal(t, []string{"a", "b", "d", "c", "e"}, ids)

	shuffled := append([]domain.PlayerRankRecord(nil), records...)
	rand.New(rand.NewPCG(1, 2)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	SortLeaderboard(shuffled)
	assert.Equal(t, first, shuffled)
}
