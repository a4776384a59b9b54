package service

import (
	"context"
	"fmt"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/catalog"
	"progression-engine/internal/constants"
	"progression-engine/internal/gacha"
	"progression-engine/internal/ledger"
	"progression-engine/internal/metrics"

	"github.com/rs/zerolog"
)

type PullRequest struct {
	PlayerID  string
	PoolID    string
	Count     int
	RequestID string
}

type PullResult struct {
	Results           []gacha.Result `json:"results"`
	NewPityCounter    int            `json:"new_pity_counter"`
	GuaranteedCounter int            `json:"guaranteed_counter"`
	TotalPulls        int64          `json:"total_pulls"`
}

type GachaService struct {
	ledger  *ledger.Ledger
	catalog *catalog.Catalog
	engine  *gacha.Engine
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewGachaService(l *ledger.Ledger, c *catalog.Catalog, engine *gacha.Engine, m *metrics.Metrics, logger zerolog.Logger) *GachaService {
	return &GachaService{
		ledger:  l,
		catalog: c,
		engine:  engine,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Pull debits the pool cost, draws count results and grants them in one
// transaction. On any error nothing is debited or granted.
func (s *GachaService) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.LedgerTimeout)
	defer cancel()

	if err := required(
		[2]string{"player_id", req.PlayerID},
		[2]string{"pool_id", req.PoolID},
		[2]string{"request_id", req.RequestID},
	); err != nil {
		return PullResult{}, err
	}
	if req.Count < 1 || req.Count > gacha.MaxPullsPerRequest {
		return PullResult{}, apperr.Validation(fmt.Sprintf("pull count must be between 1 and %d", gacha.MaxPullsPerRequest))
	}
	pool, ok := s.catalog.Pool(req.PoolID)
	if !ok {
		return PullResult{}, apperr.Validation(fmt.Sprintf("unknown pool %q", req.PoolID))
	}

	op := ledger.Op{
		PlayerID:    req.PlayerID,
		Token:       "gacha:" + req.RequestID,
		Fingerprint: ledger.Fingerprint([]any{req.PoolID, req.Count}),
	}
	now := s.now().UTC()

	res, err := ledger.Apply(ctx, s.ledger, op, func(tx *ledger.Tx) (PullResult, error) {
		if err := checkSuspended(tx.State, now); err != nil {
			return PullResult{}, err
		}
		out := s.engine.Pull(tx.State, pool, req.Count)
		tx.Grant(out.Rewards...)
		return PullResult{
			Results:           out.Results,
			NewPityCounter:    out.State.PityCounter,
			GuaranteedCounter: out.State.GuaranteedCounter,
			TotalPulls:        out.State.TotalPulls,
		}, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("player_id", req.PlayerID).Str("pool_id", req.PoolID).Msg("gacha pull refused")
		return PullResult{}, err
	}

	for _, r := range res.Results {
		s.metrics.GachaPulls.WithLabelValues(pool.ID, r.Rarity).Inc()
		if r.RarityIndex == pool.TopIndex() {
			s.logger.Info().
				Str("player_id", req.PlayerID).
				Str("pool_id", pool.ID).
				Str("item_id", string(r.ItemID)).
				Msg("top rarity pulled")
		}
	}
	s.logger.Debug().
		Str("player_id", req.PlayerID).
		Str("pool_id", pool.ID).
		Int("count", req.Count).
		Int("pity", res.NewPityCounter).
		Int64("total_pulls", res.TotalPulls).
		Msg("gacha pull committed")
	return res, nil
}
