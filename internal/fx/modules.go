package fx

import (
	"context"
	"database/sql"

	"progression-engine/internal/anticheat"
	"progression-engine/internal/api"
	"progression-engine/internal/catalog"
	"progression-engine/internal/config"
	"progression-engine/internal/constants"
	"progression-engine/internal/database"
	"progression-engine/internal/gacha"
	"progression-engine/internal/jobs"
	"progression-engine/internal/ledger"
	"progression-engine/internal/logger"
	"progression-engine/internal/metrics"
	"progression-engine/internal/rank"
	"progression-engine/internal/repository"
	"progression-engine/internal/server"
	"progression-engine/internal/service"

	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

func ProvideDatabase(lc fx.Lifecycle, cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := database.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		return db.Close()
	}))
	return db, nil
}

func ProvideStore(lc fx.Lifecycle, cfg *config.Config, db *sql.DB, logger zerolog.Logger) (ledger.Store, error) {
	var store ledger.Store
	switch cfg.LedgerBackend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), constants.DatabaseTimeout)
		defer cancel()
		client, err := ledger.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		store = ledger.NewRedisStore(client, cfg.ReceiptRetention, logger)
	default:
		store = ledger.NewSQLiteStore(db, logger)
	}
	logger.Info().Str("backend", cfg.LedgerBackend).Msg("ledger store ready")

	lc.Append(fx.StopHook(func() error {
		return store.Close()
	}))
	return store, nil
}

func ProvideLedger(store ledger.Store, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *ledger.Ledger {
	return ledger.New(store, ledger.Config{MaxAttempts: cfg.LedgerMaxAttempts}, m, logger)
}

func ProvideCatalog(cfg *config.Config, logger zerolog.Logger) (*catalog.Catalog, error) {
	c, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	source := cfg.CatalogPath
	if source == "" {
		source = "embedded"
	}
	logger.Info().Str("source", source).Int("tiers", len(c.Tiers())).Msg("catalog loaded")
	return c, nil
}

func ProvideRankEngine(c *catalog.Catalog) *rank.Engine {
	return rank.NewEngine(c.Tiers())
}

func ProvideGachaEngine() *gacha.Engine {
	return gacha.NewEngine(nil)
}

func ProvideScorer() *anticheat.Scorer {
	return anticheat.NewScorer(anticheat.DefaultConfig())
}

func ProvideMaintenance(ranks *service.RankService, l *ledger.Ledger, cfg *config.Config, logger zerolog.Logger) *jobs.Maintenance {
	return jobs.NewMaintenance(ranks, l, cfg.DecayInterval, cfg.ReceiptRetention, logger)
}

// Core is everything below the RPC boundary. opsctl runs on it directly.
var Core = fx.Options(
	fx.Provide(logger.New),
	fx.Provide(config.Load),
	fx.Provide(ProvideDatabase),
	fx.Provide(metrics.New),
	fx.Provide(ProvideCatalog),
	// ledger
	fx.Provide(ProvideStore),
	fx.Provide(ProvideLedger),
	// engines
	fx.Provide(ProvideRankEngine),
	fx.Provide(ProvideGachaEngine),
	fx.Provide(ProvideScorer),
	// repos
	fx.Provide(repository.NewSeasonRepository),
	fx.Provide(repository.NewLiveEventRepository),
	// svc
	fx.Provide(service.NewRankService),
	fx.Provide(service.NewIntegrityService),
	fx.Provide(service.NewEventService),
	fx.Provide(service.NewGachaService),
)

var Module = fx.Options(
	Core,
	// receipt verifier
	fx.Provide(api.NewReceiptVerifier),
	fx.Provide(service.NewPurchaseService),
	// jobs
	fx.Provide(ProvideMaintenance),
	// server
	fx.Provide(server.NewProgressionServer),
)
