package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/database"
	"progression-engine/internal/domain"
	"progression-engine/internal/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "ledger.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db, zerolog.Nop())
}

func newRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Hour, zerolog.Nop())
}

var backends = map[string]func(*testing.T) Store{
	"sqlite": newSQLiteStore,
	"redis":  newRedisStore,
}

func newLedger(store Store, attempts int) *Ledger {
	l := New(store, Config{MaxAttempts: attempts, BaseBackoff: time.Millisecond}, metrics.New(), zerolog.Nop())
	l.now = func() time.Time { return now }
	return l
}

type grantResult struct {
	Coins int64 `json:"coins"`
}

func grantCoins(amount int64) func(tx *Tx) (grantResult, error) {
	return func(tx *Tx) (grantResult, error) {
		tx.Grant(domain.CurrencyReward(domain.CurrencyCoins, amount))
		return grantResult{Coins: tx.State.Wallet[domain.CurrencyCoins] + amount}, nil
	}
}

func TestApplyCommitsGrants(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(open(t), 4)

			res, err := Apply(ctx, l, Op{PlayerID: "p1", Token: "t1", Fingerprint: "f"}, grantCoins(100))
			require.NoError(t, err)
			assert.Equal(t, int64(100), res.Coins)

			res, err = Apply(ctx, l, Op{PlayerID: "p1", Token: "t2", Fingerprint: "f"}, grantCoins(50))
			require.NoError(t, err)
			assert.Equal(t, int64(150), res.Coins)

			state, err := l.State(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(150), state.Wallet[domain.CurrencyCoins])
			assert.Equal(t, "p1", state.PlayerID)
		})
	}
}

func TestApplyReplaysCommittedToken(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(open(t), 4)
			op := Op{PlayerID: "p1", Token: "purchase-1", Fingerprint: Fingerprint(map[string]int{"amount": 499})}

			calls := 0
			fn := func(tx *Tx) (grantResult, error) {
				calls++
				return grantCoins(100)(tx)
			}

			first, err := Apply(ctx, l, op, fn)
			require.NoError(t, err)
			second, err := Apply(ctx, l, op, fn)
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.Equal(t, 1, calls)

			state, err := l.State(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(100), state.Wallet[domain.CurrencyCoins])
		})
	}
}

func TestApplyRefusesTokenReuseForDifferentRequest(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(open(t), 4)

			_, err := Apply(ctx, l, Op{PlayerID: "p1", Token: "t1", Fingerprint: "a"}, grantCoins(100))
			require.NoError(t, err)

			_, err = Apply(ctx, l, Op{PlayerID: "p1", Token: "t1", Fingerprint: "b"}, grantCoins(999))
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

			state, err := l.State(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(100), state.Wallet[domain.CurrencyCoins])
		})
	}
}

func TestApplyTokensAreScopedPerPlayer(t *testing.T) {
	ctx := context.Background()
	l := newLedger(newSQLiteStore(t), 4)

	_, err := Apply(ctx, l, Op{PlayerID: "p1", Token: "t1"}, grantCoins(10))
	require.NoError(t, err)
	res, err := Apply(ctx, l, Op{PlayerID: "p2", Token: "t1"}, grantCoins(20))
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Coins)
}

func TestApplyRequiresPlayerAndToken(t *testing.T) {
	l := newLedger(newSQLiteStore(t), 4)

	_, err := Apply(context.Background(), l, Op{Token: "t"}, grantCoins(1))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = Apply(context.Background(), l, Op{PlayerID: "p1"}, grantCoins(1))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestApplyNeverDrivesBalancesNegative(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(open(t), 4)

			_, err := Apply(ctx, l, Op{PlayerID: "p1", Token: "seed"}, grantCoins(30))
			require.NoError(t, err)

			_, err = Apply(ctx, l, Op{PlayerID: "p1", Token: "spend"}, func(tx *Tx) (grantResult, error) {
				tx.Grant(
					domain.CurrencyReward(domain.CurrencyCoins, -50),
					domain.ItemReward("skin_ember", 1),
				)
				return grantResult{}, nil
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

			state, err := l.State(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(30), state.Wallet[domain.CurrencyCoins])
			assert.Zero(t, state.Inventory["skin_ember"])

			// Nothing was recorded for the refused token, so it can be retried.
			res, err := Apply(ctx, l, Op{PlayerID: "p1", Token: "spend"}, grantCoins(5))
			require.NoError(t, err)
			assert.Equal(t, int64(35), res.Coins)
		})
	}
}

func TestApplyRejectsUnknownCurrency(t *testing.T) {
	l := newLedger(newSQLiteStore(t), 4)
	_, err := Apply(context.Background(), l, Op{PlayerID: "p1", Token: "t"}, func(tx *Tx) (int, error) {
		tx.Grant(domain.Reward{Kind: domain.RewardCurrency, ID: "doubloons", Amount: 1})
		return 0, nil
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestApplyMutationErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	l := newLedger(newSQLiteStore(t), 4)
	boom := apperr.New(apperr.KindSuspended, "suspended")

	_, err := Apply(ctx, l, Op{PlayerID: "p1", Token: "t1"}, func(tx *Tx) (int, error) {
		tx.Grant(domain.CurrencyReward(domain.CurrencyGems, 10))
		tx.State.Wallet[domain.CurrencyCoins] = 1_000_000
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	state, err := l.State(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, state.Wallet)
}

func TestApplyPersistsViolationsAndStandings(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			l := newLedger(store, 4)

			_, err := Apply(ctx, l, Op{PlayerID: "p1", Token: "t1"}, func(tx *Tx) (int, error) {
				tx.State.Ranks["s1"] = &domain.PlayerRankRecord{
					PlayerID: "p1", SeasonID: "s1", TierID: "bronze_2", Points: 420, LastMatchAt: now, Wins: 1,
				}
				tx.Record(domain.Violation{
					ID: "v1", PlayerID: "p1", Type: domain.ViolationSpeedHack,
					Severity: domain.SeverityHigh, Evidence: "velocity.x=100", DetectedAt: now,
				})
				return 0, nil
			})
			require.NoError(t, err)

			vs, err := l.Violations(ctx, "p1", 10)
			require.NoError(t, err)
			require.Len(t, vs, 1)
			assert.Equal(t, domain.ViolationSpeedHack, vs[0].Type)
			assert.Equal(t, domain.SeverityHigh, vs[0].Severity)
			assert.True(t, now.Equal(vs[0].DetectedAt))

			board, err := l.Standings(ctx, "s1", 10)
			require.NoError(t, err)
			require.Len(t, board, 1)
			assert.Equal(t, 420, board[0].Points)
			assert.Equal(t, "bronze_2", board[0].TierID)
		})
	}
}

func TestStandingsOrderAndInactivity(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(open(t), 4)

			seed := []domain.PlayerRankRecord{
				{PlayerID: "late", Points: 500, LastMatchAt: now.Add(-time.Hour)},
				{PlayerID: "early", Points: 500, LastMatchAt: now.Add(-48 * time.Hour)},
				{PlayerID: "top", Points: 900, LastMatchAt: now},
				{PlayerID: "idle", Points: 100, LastMatchAt: now.Add(-10 * 24 * time.Hour)},
			}
			for _, rec := range seed {
				rec.SeasonID = "s1"
				rec.TierID = "bronze_1"
				_, err := Apply(ctx, l, Op{PlayerID: rec.PlayerID, Token: "seed"}, func(tx *Tx) (int, error) {
					r := rec
					tx.State.Ranks["s1"] = &r
					return 0, nil
				})
				require.NoError(t, err)
			}

			board, err := l.Standings(ctx, "s1", 3)
			require.NoError(t, err)
			var ids []string
			for _, r := range board {
				ids = append(ids, r.PlayerID)
			}
			assert.Equal(t, []string{"top", "early", "late"}, ids)

			idle, err := l.InactiveStandings(ctx, "s1", now.Add(-7*24*time.Hour))
			require.NoError(t, err)
			require.Len(t, idle, 1)
			assert.Equal(t, "idle", idle[0].PlayerID)
		})
	}
}

func TestStandingsBreakSubSecondTiesAtTheCut(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(open(t), 4)

			// Same points and second; reverse member order would put "c" first.
			for id, ms := range map[string]int{"a": 100, "b": 200, "c": 300} {
				rec := domain.PlayerRankRecord{
					PlayerID:    id,
					SeasonID:    "s1",
					TierID:      "gold_1",
					Points:      500,
					LastMatchAt: now.Add(time.Duration(ms) * time.Millisecond),
				}
				_, err := Apply(ctx, l, Op{PlayerID: id, Token: "seed"}, func(tx *Tx) (int, error) {
					tx.State.Ranks["s1"] = &rec
					return 0, nil
				})
				require.NoError(t, err)
			}

			board, err := l.Standings(ctx, "s1", 2)
			require.NoError(t, err)
			require.Len(t, board, 2)
			assert.Equal(t, "a", board[0].PlayerID)
			assert.Equal(t, "b", board[1].PlayerID)
		})
	}
}

func TestConcurrentAppliesSerializePerPlayer(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(open(t), 50)

			const workers = 16
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := Apply(ctx, l, Op{PlayerID: "p1", Token: fmt.Sprintf("t%d", i)}, grantCoins(1))
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			state, err := l.State(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, int64(workers), state.Wallet[domain.CurrencyCoins])
		})
	}
}

type conflictingStore struct {
	Store
	commits atomic.Int32
}

func (s *conflictingStore) Commit(context.Context, Commit) error {
	s.commits.Add(1)
	return ErrVersionConflict
}

func TestApplyGivesUpAfterRetryBudget(t *testing.T) {
	store := &conflictingStore{Store: newSQLiteStore(t)}
	l := newLedger(store, 3)

	_, err := Apply(context.Background(), l, Op{PlayerID: "p1", Token: "t1"}, grantCoins(1))

	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.Equal(t, int32(3), store.commits.Load())
}

func TestPruneReceipts(t *testing.T) {
	ctx := context.Background()
	l := newLedger(newSQLiteStore(t), 4)
	op := Op{PlayerID: "p1", Token: "old"}

	_, err := Apply(ctx, l, op, grantCoins(1))
	require.NoError(t, err)

	n, err := l.PruneReceipts(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// With the receipt gone the token is fresh again.
	res, err := Apply(ctx, l, op, grantCoins(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Coins)
}

func TestPruneKeepsDurableReceipts(t *testing.T) {
	ctx := context.Background()
	l := newLedger(newSQLiteStore(t), 4)
	op := Op{PlayerID: "p1", Token: "purchase:tx-1"}
	claimed := func(tx *Tx) (grantResult, error) {
		tx.Claim("purchase:ios:tx-1")
		return grantCoins(5)(tx)
	}

	_, err := Apply(ctx, l, op, claimed)
	require.NoError(t, err)

	n, err := l.PruneReceipts(ctx, now.AddDate(10, 0, 0))
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := Apply(ctx, l, op, claimed)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Coins)

	state, err := l.State(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), state.Wallet[domain.CurrencyCoins])
}

func TestRedisDurableReceiptsNeverExpire(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := newLedger(NewRedisStore(client, time.Hour, zerolog.Nop()), 4)

	_, err := Apply(ctx, l, Op{PlayerID: "p1", Token: "daily"}, grantCoins(1))
	require.NoError(t, err)
	_, err = Apply(ctx, l, Op{PlayerID: "p1", Token: "purchase:tx-1"}, func(tx *Tx) (grantResult, error) {
		tx.Claim("purchase:ios:tx-1")
		return grantCoins(1)(tx)
	})
	require.NoError(t, err)

	assert.Equal(t, time.Hour, mr.TTL(receiptKey("p1", "daily")))
	assert.Zero(t, mr.TTL(receiptKey("p1", "purchase:tx-1")))
	assert.Zero(t, mr.TTL(claimKey("purchase:ios:tx-1")))
}

func TestClaimsAreExclusiveAcrossPlayers(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(open(t), 4)
			claimed := func(tx *Tx) (grantResult, error) {
				tx.Claim("purchase:ios:tx-shared")
				return grantCoins(300)(tx)
			}

			_, err := Apply(ctx, l, Op{PlayerID: "p1", Token: "purchase:tx-shared"}, claimed)
			require.NoError(t, err)

			_, err = Apply(ctx, l, Op{PlayerID: "p2", Token: "purchase:tx-shared"}, claimed)
			require.Error(t, err)
			assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))
			assert.True(t, apperr.IsRejection(err))

			state, err := l.State(ctx, "p2")
			require.NoError(t, err)
			assert.Empty(t, state.Wallet)

			holder, held, err := l.ClaimHolder(ctx, "purchase:ios:tx-shared")
			require.NoError(t, err)
			assert.True(t, held)
			assert.Equal(t, "p1", holder)

			// The holder may claim the same key again under a new token.
			_, err = Apply(ctx, l, Op{PlayerID: "p1", Token: "purchase:tx-shared:again"}, claimed)
			require.NoError(t, err)
		})
	}
}

func TestCommitRefusesClaimHeldByAnotherPlayer(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			commit := func(playerID string) error {
				return store.Commit(ctx, Commit{
					PlayerID: playerID,
					State:    []byte(`{}`),
					Receipt:  Receipt{Token: "t1", Result: []byte(`{}`), CreatedAt: now, Durable: true},
					Claims:   []string{"purchase:ios:tx-race"},
				})
			}

			require.NoError(t, commit("p1"))
			assert.ErrorIs(t, commit("p2"), ErrVersionConflict)

			snap, err := store.Load(ctx, "p2")
			require.NoError(t, err)
			assert.Zero(t, snap.Version)
		})
	}
}

func TestBackoffIsBounded(t *testing.T) {
	l := newLedger(newSQLiteStore(t), 10)
	for attempt := 1; attempt <= 40; attempt++ {
		d := l.backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxBackoff+l.cfg.BaseBackoff)
	}
}

func TestLookupFindsCommittedResult(t *testing.T) {
	ctx := context.Background()
	l := newLedger(newSQLiteStore(t), 4)
	op := Op{PlayerID: "p1", Token: "t1", Fingerprint: "f"}

	_, found, err := Lookup[grantResult](ctx, l, op)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = Apply(ctx, l, op, grantCoins(7))
	require.NoError(t, err)

	res, found, err := Lookup[grantResult](ctx, l, op)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(7), res.Coins)

	_, _, err = Lookup[grantResult](ctx, l, Op{PlayerID: "p1", Token: "t1", Fingerprint: "other"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
