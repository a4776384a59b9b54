package service

import (
	"context"
	"testing"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/domain"
	"progression-engine/internal/rank"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSeason(t *testing.T, s *RankService) domain.Season {
	t.Helper()
	season, created, err := s.StartSeason(context.Background(), 1, 90*24*time.Hour)
	require.NoError(t, err)
	require.True(t, created)
	return season
}

var bigWin = rank.MatchResult{Placement: 1, Kills: 12, Won: true}

func TestMatchPromotionGrantsReward(t *testing.T) {
	f := newFixture(t)
	s := f.ranks()
	season := startSeason(t, s)
	f.seed("p1", func(st *domain.PlayerState) {
		st.Ranks[season.SeasonID] = &domain.PlayerRankRecord{
			PlayerID: "p1", SeasonID: season.SeasonID, TierID: "bronze_2", Points: 780, LastMatchAt: t0,
		}
	})

	res, err := s.UpdatePlayerRank(context.Background(), MatchUpdate{PlayerID: "p1", SeasonID: season.SeasonID, MatchID: "m1", Result: bigWin})
	require.NoError(t, err)

	assert.True(t, res.RankChanged)
	assert.True(t, res.Promoted)
	assert.Equal(t, "bronze_2", res.OldRank)
	assert.Equal(t, "bronze_3", res.NewRank)
	assert.Equal(t, 65, res.PointsChange)
	assert.Equal(t, 845, res.NewPoints)

	st := f.state("p1")
	assert.Equal(t, int64(400), st.Wallet[domain.CurrencyCoins])
	assert.Equal(t, int64(200), st.Wallet[domain.CurrencyXP])
	assert.Equal(t, 1, st.Ranks[season.SeasonID].Wins)
}

func TestMatchReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.ranks()
	season := startSeason(t, s)
	req := MatchUpdate{PlayerID: "p1", SeasonID: season.SeasonID, MatchID: "m1", Result: bigWin}

	first, err := s.UpdatePlayerRank(context.Background(), req)
	require.NoError(t, err)
	second, err := s.UpdatePlayerRank(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 65, f.state("p1").Ranks[season.SeasonID].Points)
}

func TestMatchLossNeverGoesBelowZero(t *testing.T) {
	f := newFixture(t)
	s := f.ranks()
	season := startSeason(t, s)

	res, err := s.UpdatePlayerRank(context.Background(), MatchUpdate{
		PlayerID: "p1", SeasonID: season.SeasonID, MatchID: "m1",
		Result: rank.MatchResult{Placement: 40},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewPoints)
	assert.Equal(t, 0, res.PointsChange)
	assert.Equal(t, 1, f.state("p1").Ranks[season.SeasonID].Losses)
}

func TestMatchRequiresActiveSeason(t *testing.T) {
	f := newFixture(t)
	s := f.ranks()
	season := startSeason(t, s)
	ctx := context.Background()

	_, err := s.UpdatePlayerRank(ctx, MatchUpdate{PlayerID: "p1", SeasonID: "old", MatchID: "m1", Result: bigWin})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	f.advance(91 * 24 * time.Hour)
	_, err = s.UpdatePlayerRank(ctx, MatchUpdate{PlayerID: "p1", SeasonID: season.SeasonID, MatchID: "m2", Result: bigWin})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = s.UpdatePlayerRank(ctx, MatchUpdate{PlayerID: "p1", SeasonID: season.SeasonID, MatchID: "m3", Result: rank.MatchResult{Placement: 0}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLeaderboardOrdering(t *testing.T) {
	f := newFixture(t)
	s := f.ranks()
	season := startSeason(t, s)
	ctx := context.Background()

	// Same score: p2 plays first, so it ranks ahead of p3.
	for i, p := range []string{"p2", "p3"} {
		f.clock = t0.Add(time.Duration(i) * time.Minute)
		_, err := s.UpdatePlayerRank(ctx, MatchUpdate{PlayerID: p, SeasonID: season.SeasonID, MatchID: "m-" + p, Result: bigWin})
		require.NoError(t, err)
	}
	_, err := s.UpdatePlayerRank(ctx, MatchUpdate{PlayerID: "p1", SeasonID: season.SeasonID, MatchID: "m-p1", Result: rank.MatchResult{Placement: 2, Won: true}})
	require.NoError(t, err)

	board, err := s.Leaderboard(ctx, season.SeasonID, 10)
	require.NoError(t, err)
	var ids []string
	for _, r := range board {
		ids = append(ids, r.PlayerID)
	}
	assert.Equal(t, []string{"p2", "p3", "p1"}, ids)

	again, err := s.Leaderboard(ctx, season.SeasonID, 10)
	require.NoError(t, err)
	assert.Equal(t, board, again)

	_, err = s.Leaderboard(ctx, season.SeasonID, 101)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestApplyDecayOncePerDay(t *testing.T) {
	f := newFixture(t)
	s := f.ranks()
	season := startSeason(t, s)
	ctx := context.Background()

	f.seed("idle", func(st *domain.PlayerState) {
		st.Ranks[season.SeasonID] = &domain.PlayerRankRecord{
			PlayerID: "idle", SeasonID: season.SeasonID, TierID: "bronze_3", Points: 1000, LastMatchAt: t0.Add(-10 * 24 * time.Hour),
		}
	})
	f.seed("busy", func(st *domain.PlayerState) {
		st.Ranks[season.SeasonID] = &domain.PlayerRankRecord{
			PlayerID: "busy", SeasonID: season.SeasonID, TierID: "bronze_3", Points: 1000, LastMatchAt: t0.Add(-time.Hour),
		}
	})

	report, err := s.ApplyDecay(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Decayed)
	assert.Equal(t, 950, f.state("idle").Ranks[season.SeasonID].Points)
	assert.Equal(t, 1000, f.state("busy").Ranks[season.SeasonID].Points)

	_, err = s.ApplyDecay(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 950, f.state("idle").Ranks[season.SeasonID].Points)

	_, err = s.ApplyDecay(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	idle := f.state("idle").Ranks[season.SeasonID]
	assert.Equal(t, 902, idle.Points)
	assert.Equal(t, "bronze_3", idle.TierID)
	assert.True(t, t0.Add(-10*24*time.Hour).Equal(idle.LastMatchAt))

	board, err := s.Leaderboard(ctx, season.SeasonID, 10)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "busy", board[0].PlayerID)
	assert.Equal(t, 902, board[1].Points)
}

func TestApplyDecayWithoutSeason(t *testing.T) {
	f := newFixture(t)
	report, err := f.ranks().ApplyDecay(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, report.Candidates)
}
