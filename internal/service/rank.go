package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/constants"
	"progression-engine/internal/domain"
	"progression-engine/internal/ledger"
	"progression-engine/internal/metrics"
	"progression-engine/internal/rank"
	"progression-engine/internal/repository"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type MatchUpdate struct {
	PlayerID string
	SeasonID string
	MatchID  string
	Result   rank.MatchResult
}

type RankUpdate struct {
	RankChanged  bool            `json:"rank_changed"`
	Promoted     bool            `json:"promoted"`
	OldRank      string          `json:"old_rank"`
	NewRank      string          `json:"new_rank"`
	PointsChange int             `json:"points_change"`
	NewPoints    int             `json:"new_points"`
	Rewards      []domain.Reward `json:"rewards,omitempty"`
}

type DecayReport struct {
	SeasonID   string
	Candidates int
	Decayed    int
	Failed     int
}

type RankService struct {
	ledger  *ledger.Ledger
	engine  *rank.Engine
	seasons *repository.SeasonRepository
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewRankService(l *ledger.Ledger, engine *rank.Engine, seasons *repository.SeasonRepository, m *metrics.Metrics, logger zerolog.Logger) *RankService {
	return &RankService{
		ledger:  l,
		engine:  engine,
		seasons: seasons,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *RankService) StartSeason(ctx context.Context, number int, duration time.Duration) (domain.Season, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DatabaseTimeout)
	defer cancel()

	if number < 1 {
		return domain.Season{}, false, apperr.Validation("season number must be positive")
	}
	if duration <= 0 || duration > constants.MaxSeasonDuration {
		return domain.Season{}, false, apperr.Validation(fmt.Sprintf("season duration must be within (0, %s]", constants.MaxSeasonDuration))
	}
	season, created, err := s.seasons.Start(ctx, number, s.now().UTC(), duration)
	if err != nil {
		return domain.Season{}, false, apperr.Wrap(apperr.KindUnavailable, "failed to start season", err)
	}
	return season, created, nil
}

func (s *RankService) activeSeason(ctx context.Context, now time.Time) (domain.Season, bool, error) {
	season, ok, err := s.seasons.Active(ctx, now)
	if err != nil {
		return domain.Season{}, false, apperr.Wrap(apperr.KindUnavailable, "failed to read active season", err)
	}
	return season, ok, nil
}

// UpdatePlayerRank scores one finished match for the active season. The
// match id is the idempotency token.
func (s *RankService) UpdatePlayerRank(ctx context.Context, req MatchUpdate) (RankUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.LedgerTimeout)
	defer cancel()

	if err := required(
		[2]string{"player_id", req.PlayerID},
		[2]string{"season_id", req.SeasonID},
		[2]string{"match_id", req.MatchID},
	); err != nil {
		return RankUpdate{}, err
	}
	if req.Result.Placement < 1 {
		return RankUpdate{}, apperr.Validation("placement must be at least 1")
	}
	if req.Result.Kills < 0 {
		return RankUpdate{}, apperr.Validation("kills must not be negative")
	}

	now := s.now().UTC()
	season, ok, err := s.activeSeason(ctx, now)
	if err != nil {
		return RankUpdate{}, err
	}
	if !ok || season.SeasonID != req.SeasonID {
		return RankUpdate{}, apperr.Validation(fmt.Sprintf("season %q is not active", req.SeasonID))
	}

	op := ledger.Op{
		PlayerID:    req.PlayerID,
		Token:       "match:" + req.MatchID,
		Fingerprint: ledger.Fingerprint([]any{req.SeasonID, req.Result}),
	}

	var change *rank.TierChange
	res, err := ledger.Apply(ctx, s.ledger, op, func(tx *ledger.Tx) (RankUpdate, error) {
		if err := checkSuspended(tx.State, now); err != nil {
			return RankUpdate{}, err
		}
		award := s.engine.RecordMatch(tx.State, req.SeasonID, req.Result, now)
		tx.Grant(award.Rewards...)
		change = award.Change
		return rankUpdate(award), nil
	})
	if err != nil {
		return RankUpdate{}, err
	}

	if change != nil {
		s.recordTierChange(change)
	}
	return res, nil
}

func rankUpdate(a rank.Award) RankUpdate {
	return RankUpdate{
		RankChanged:  a.Change != nil,
		Promoted:     a.Change != nil && a.Change.Promotion,
		OldRank:      a.OldTier.ID,
		NewRank:      a.NewTier.ID,
		PointsChange: a.PointsChange,
		NewPoints:    a.NewPoints,
		Rewards:      a.Rewards,
	}
}

func (s *RankService) recordTierChange(c *rank.TierChange) {
	direction := "demotion"
	if c.Promotion {
		direction = "promotion"
	}
	s.metrics.TierChanges.WithLabelValues(direction, c.Reason).Inc()
	s.logger.Info().
		Str("player_id", c.PlayerID).
		Str("season_id", c.SeasonID).
		Str("from", c.From.ID).
		Str("to", c.To.ID).
		Str("reason", c.Reason).
		Msg("rank tier changed")
}

// Leaderboard returns the top records of a season. A zero limit means the
// default page size.
func (s *RankService) Leaderboard(ctx context.Context, seasonID string, limit int) ([]domain.PlayerRankRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DatabaseTimeout)
	defer cancel()

	if seasonID == "" {
		return nil, apperr.Validation("season_id is required")
	}
	if limit == 0 {
		limit = constants.DefaultLeaderboardLimit
	}
	if limit < 0 || limit > constants.MaxLeaderboardLimit {
		return nil, apperr.Validation(fmt.Sprintf("limit must be between 1 and %d", constants.MaxLeaderboardLimit))
	}

	records, err := s.ledger.Standings(ctx, seasonID, limit)
	if err != nil {
		return nil, err
	}
	rank.SortLeaderboard(records)
	return records, nil
}

type decayOutcome struct {
	Applied   bool `json:"applied"`
	OldPoints int  `json:"old_points"`
	NewPoints int  `json:"new_points"`
}

// ApplyDecay takes the inactivity decay from every idle record of the active
// season. Each player is decayed at most once per UTC day of now, so the
// pass can be re-run safely.
func (s *RankService) ApplyDecay(ctx context.Context, now time.Time) (DecayReport, error) {
	now = now.UTC()
	season, ok, err := s.activeSeason(ctx, now)
	if err != nil {
		return DecayReport{}, err
	}
	if !ok {
		s.logger.Info().Msg("no active season, skipping decay")
		return DecayReport{}, nil
	}

	candidates, err := s.ledger.InactiveStandings(ctx, season.SeasonID, now.Add(-rank.InactivityWindow))
	if err != nil {
		return DecayReport{}, err
	}
	report := DecayReport{SeasonID: season.SeasonID, Candidates: len(candidates)}
	token := fmt.Sprintf("decay:%s:%s", season.SeasonID, now.Format(time.DateOnly))

	var decayed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.DecayConcurrency)
	for _, rec := range candidates {
		g.Go(func() error {
			var change *rank.TierChange
			op := ledger.Op{PlayerID: rec.PlayerID, Token: token, Fingerprint: token}
			out, err := ledger.Apply(gctx, s.ledger, op, func(tx *ledger.Tx) (decayOutcome, error) {
				current, ok := tx.State.Ranks[season.SeasonID]
				if !ok {
					return decayOutcome{}, nil
				}
				delta, ok := rank.DecayDelta(*current, now)
				if !ok {
					return decayOutcome{OldPoints: current.Points, NewPoints: current.Points}, nil
				}
				award := s.engine.AwardPoints(tx.State, season.SeasonID, delta, rank.ReasonDecay)
				change = award.Change
				return decayOutcome{Applied: true, OldPoints: award.OldPoints, NewPoints: award.NewPoints}, nil
			})
			if err != nil {
				failed.Add(1)
				s.logger.Error().Err(err).Str("player_id", rec.PlayerID).Msg("failed to decay player")
				return nil
			}
			if out.Applied {
				decayed.Add(1)
				s.metrics.DecayApplied.Inc()
			}
			if change != nil {
				s.recordTierChange(change)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DecayReport{}, err
	}

	report.Decayed = int(decayed.Load())
	report.Failed = int(failed.Load())
	s.logger.Info().
		Str("season_id", report.SeasonID).
		Int("candidates", report.Candidates).
		Int("decayed", report.Decayed).
		Int("failed", report.Failed).
		Msg("decay pass finished")
	return report, nil
}
