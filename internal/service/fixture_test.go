package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"progression-engine/internal/anticheat"
	"progression-engine/internal/api"
	"progression-engine/internal/catalog"
	"progression-engine/internal/database"
	"progression-engine/internal/domain"
	"progression-engine/internal/gacha"
	"progression-engine/internal/ledger"
	"progression-engine/internal/metrics"
	"progression-engine/internal/rank"
	"progression-engine/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t       *testing.T
	db      *sql.DB
	ledger  *ledger.Ledger
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	seasons *repository.SeasonRepository
	events  *repository.LiveEventRepository
	clock   time.Time
	seeds   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "service.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := catalog.Load("")
	require.NoError(t, err)

	m := metrics.New()
	return &fixture{
		t:       t,
		db:      db,
		ledger:  ledger.New(ledger.NewSQLiteStore(db, zerolog.Nop()), ledger.Config{MaxAttempts: 8, BaseBackoff: time.Millisecond}, m, zerolog.Nop()),
		catalog: c,
		metrics: m,
		seasons: repository.NewSeasonRepository(db, zerolog.Nop()),
		events:  repository.NewLiveEventRepository(db, zerolog.Nop()),
		clock:   t0,
	}
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) purchases(v api.ReceiptVerifier) *PurchaseService {
	s := NewPurchaseService(f.ledger, f.catalog, v, f.metrics, zerolog.Nop())
	s.now = f.now
	return s
}

func (f *fixture) gacha(rng gacha.RandomSource) *GachaService {
	s := NewGachaService(f.ledger, f.catalog, gacha.NewEngine(rng), f.metrics, zerolog.Nop())
	s.now = f.now
	return s
}

func (f *fixture) ranks() *RankService {
	s := NewRankService(f.ledger, rank.NewEngine(f.catalog.Tiers()), f.seasons, f.metrics, zerolog.Nop())
	s.now = f.now
	return s
}

func (f *fixture) integrity() *IntegrityService {
	s := NewIntegrityService(f.ledger, anticheat.NewScorer(anticheat.DefaultConfig()), f.metrics, zerolog.Nop())
	s.now = f.now
	return s
}

func (f *fixture) liveEvents() *EventService {
	s := NewEventService(f.ledger, f.catalog, f.events, f.metrics, zerolog.Nop())
	s.now = f.now
	return s
}

// seed mutates a player's document directly through the ledger.
func (f *fixture) seed(playerID string, fn func(state *domain.PlayerState)) {
	f.t.Helper()
	f.seeds++
	_, err := ledger.Apply(context.Background(), f.ledger, ledger.Op{PlayerID: playerID, Token: fmt.Sprintf("seed:%d", f.seeds)},
		func(tx *ledger.Tx) (struct{}, error) {
			fn(tx.State)
			return struct{}{}, nil
		})
	require.NoError(f.t, err)
}

func (f *fixture) state(playerID string) *domain.PlayerState {
	f.t.Helper()
	st, err := f.ledger.State(context.Background(), playerID)
	require.NoError(f.t, err)
	return st
}

type countingVerifier struct {
	calls   atomic.Int32
	verdict api.ReceiptVerdict
	err     error
}

func (v *countingVerifier) Verify(context.Context, api.ReceiptRequest) (api.ReceiptVerdict, error) {
	v.calls.Add(1)
	return v.verdict, v.err
}

var errPlatformDown = errors.New("platform down")

// bottomRNG keeps every drawn pull in the lowest rarity.
type bottomRNG struct{}

func (bottomRNG) Float64() float64 { return 0.999999 }
func (bottomRNG) IntN(int) int     { return 0 }
