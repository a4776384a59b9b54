// Package ledger applies per-player read-modify-write transactions exactly
// once per idempotency token, retrying optimistic write conflicts.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/domain"
	"progression-engine/internal/metrics"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxAttempts = 4
	DefaultBaseBackoff = 5 * time.Millisecond
	maxBackoff         = 250 * time.Millisecond
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

type Ledger struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(store Store, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Ledger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	return &Ledger{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Op identifies one logical request. Fingerprint summarizes the request
// payload so a reused token with a different payload can be refused.
type Op struct {
	PlayerID    string
	Token       string
	Fingerprint string
}

// Fingerprint hashes the JSON encoding of v.
func Fingerprint(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = fmt.Appendf(nil, "%#v", v)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Tx is handed to the mutation function. State is a private copy for this
// attempt; grants and violations are applied by the ledger on commit.
type Tx struct {
	State *domain.PlayerState

	grants     []domain.Reward
	violations []domain.Violation
	claims     []string
}

func (tx *Tx) Grant(rewards ...domain.Reward) {
	tx.grants = append(tx.grants, rewards...)
}

// Record appends violations to the audit trail written with this commit.
func (tx *Tx) Record(violations ...domain.Violation) {
	tx.violations = append(tx.violations, violations...)
}

// Claim reserves key for this player across all players. The commit is
// refused with an integrity error if another player already holds it, and
// the receipt of a claiming commit never ages out.
func (tx *Tx) Claim(key string) {
	tx.claims = append(tx.claims, key)
}

// Apply runs fn against the player's current document and commits the
// result together with a receipt for op.Token. A token that was already
// committed returns the stored result without calling fn. An error from fn
// aborts the transaction and nothing is written.
func Apply[R any](ctx context.Context, l *Ledger, op Op, fn func(tx *Tx) (R, error)) (R, error) {
	var zero R
	if op.PlayerID == "" {
		return zero, apperr.Validation("player id is required")
	}
	if op.Token == "" {
		return zero, apperr.Validation("idempotency token is required")
	}

	for attempt := 1; ; attempt++ {
		res, err := applyOnce(ctx, l, op, fn)
		if !errors.Is(err, ErrVersionConflict) {
			return res, err
		}

		l.metrics.LedgerConflicts.Inc()
		if attempt >= l.cfg.MaxAttempts {
			l.metrics.LedgerTransactions.WithLabelValues("conflict").Inc()
			l.logger.Warn().
				Str("player_id", op.PlayerID).
				Str("token", op.Token).
				Int("attempts", attempt).
				Msg("ledger retry budget exhausted")
			return zero, apperr.Wrap(apperr.KindConflict, "concurrent update, retry with the same token", err)
		}

		wait := l.backoff(attempt)
		l.logger.Debug().
			Str("player_id", op.PlayerID).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("ledger write conflict, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, apperr.Wrap(apperr.KindUnavailable, "ledger apply cancelled", ctx.Err())
		case <-timer.C:
		}
	}
}

func applyOnce[R any](ctx context.Context, l *Ledger, op Op, fn func(tx *Tx) (R, error)) (R, error) {
	var zero R

	receipt, found, err := l.store.Receipt(ctx, op.PlayerID, op.Token)
	if err != nil {
		return zero, l.unavailable(op, "failed to read receipt", err)
	}
	if found {
		return replay[R](l, op, receipt)
	}

	snap, err := l.store.Load(ctx, op.PlayerID)
	if err != nil {
		return zero, l.unavailable(op, "failed to load player document", err)
	}
	state, err := decodeState(op.PlayerID, snap.State)
	if err != nil {
		l.metrics.LedgerTransactions.WithLabelValues("failed").Inc()
		return zero, apperr.Wrap(apperr.KindInternal, "corrupt player document", err)
	}
	before := rankSnapshot(state)

	tx := &Tx{State: state}
	result, err := fn(tx)
	if err != nil {
		l.metrics.LedgerTransactions.WithLabelValues("rejected").Inc()
		return zero, err
	}
	if err := applyRewards(state, tx.grants); err != nil {
		l.metrics.LedgerTransactions.WithLabelValues("rejected").Inc()
		return zero, err
	}
	claims, err := l.newClaims(ctx, op, tx.claims)
	if err != nil {
		return zero, err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return zero, apperr.Wrap(apperr.KindInternal, "failed to encode player document", err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return zero, apperr.Wrap(apperr.KindInternal, "failed to encode result", err)
	}

	err = l.store.Commit(ctx, Commit{
		PlayerID: op.PlayerID,
		Version:  snap.Version,
		State:    stateJSON,
		Receipt: Receipt{
			Token:       op.Token,
			Fingerprint: op.Fingerprint,
			Result:      resultJSON,
			CreatedAt:   l.now().UTC(),
			Durable:     len(tx.claims) > 0,
		},
		Claims:     claims,
		Violations: tx.violations,
		Standings:  changedStandings(before, state),
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return zero, err
		}
		return zero, l.unavailable(op, "failed to commit", err)
	}

	l.metrics.LedgerTransactions.WithLabelValues("committed").Inc()
	l.logger.Debug().
		Str("player_id", op.PlayerID).
		Str("token", op.Token).
		Int64("version", snap.Version+1).
		Int("grants", len(tx.grants)).
		Int("violations", len(tx.violations)).
		Msg("ledger commit")
	return result, nil
}

// newClaims drops keys op's player already holds and refuses keys held by
// anyone else.
func (l *Ledger) newClaims(ctx context.Context, op Op, keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		holder, found, err := l.store.ClaimHolder(ctx, key)
		if err != nil {
			return nil, l.unavailable(op, "failed to read claim", err)
		}
		if !found {
			out = append(out, key)
			continue
		}
		if holder != op.PlayerID {
			l.metrics.LedgerTransactions.WithLabelValues("rejected").Inc()
			l.logger.Warn().
				Str("player_id", op.PlayerID).
				Str("holder", holder).
				Str("claim", key).
				Msg("claim already held by another player")
			return nil, apperr.New(apperr.KindIntegrity, fmt.Sprintf("%s was already redeemed by another player", key))
		}
	}
	return out, nil
}

// Lookup returns the committed result for op, if any, without running a
// transaction. Callers use it to skip external side effects on a replay.
func Lookup[R any](ctx context.Context, l *Ledger, op Op) (R, bool, error) {
	var zero R
	receipt, found, err := l.store.Receipt(ctx, op.PlayerID, op.Token)
	if err != nil {
		return zero, false, l.unavailable(op, "failed to read receipt", err)
	}
	if !found {
		return zero, false, nil
	}
	res, err := replay[R](l, op, receipt)
	if err != nil {
		return zero, false, err
	}
	return res, true, nil
}

func replay[R any](l *Ledger, op Op, receipt Receipt) (R, error) {
	var out R
	if receipt.Fingerprint != op.Fingerprint {
		l.metrics.LedgerTransactions.WithLabelValues("rejected").Inc()
		return out, apperr.Validation("idempotency token was already used for a different request")
	}
	if err := json.Unmarshal(receipt.Result, &out); err != nil {
		return out, apperr.Wrap(apperr.KindInternal, "failed to decode stored result", err)
	}
	l.metrics.LedgerTransactions.WithLabelValues("replayed").Inc()
	l.logger.Warn().
		Str("player_id", op.PlayerID).
		Str("token", op.Token).
		Time("committed_at", receipt.CreatedAt).
		Msg("replaying committed result")
	return out, nil
}

func (l *Ledger) unavailable(op Op, msg string, err error) error {
	l.metrics.LedgerTransactions.WithLabelValues("failed").Inc()
	l.logger.Error().Err(err).Str("player_id", op.PlayerID).Msg(msg)
	return apperr.Wrap(apperr.KindUnavailable, msg, err)
}

func (l *Ledger) backoff(attempt int) time.Duration {
	d := l.cfg.BaseBackoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	d = min(d, maxBackoff)
	return d + rand.N(l.cfg.BaseBackoff)
}

func decodeState(playerID string, raw []byte) (*domain.PlayerState, error) {
	if len(raw) == 0 {
		return domain.NewPlayerState(playerID), nil
	}
	state := &domain.PlayerState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, err
	}
	state.PlayerID = playerID
	state.Normalize()
	return state, nil
}

// applyRewards adds every grant to the wallet or inventory. Balances touched
// by the grants must end non-negative.
func applyRewards(state *domain.PlayerState, rewards []domain.Reward) error {
	var currencies []domain.CurrencyID
	var items []domain.ItemID

	for _, r := range rewards {
		switch r.Kind {
		case domain.RewardCurrency:
			id := domain.CurrencyID(r.ID)
			if !id.Valid() {
				return apperr.Validation(fmt.Sprintf("unknown currency %q", r.ID))
			}
			state.Wallet[id] += r.Amount
			currencies = append(currencies, id)
		case domain.RewardItem:
			if r.ID == "" {
				return apperr.Validation("item reward without an item id")
			}
			id := domain.ItemID(r.ID)
			state.Inventory[id] += r.Amount
			items = append(items, id)
		default:
			return apperr.Validation(fmt.Sprintf("unknown reward kind %q", r.Kind))
		}
	}

	for _, id := range currencies {
		if state.Wallet[id] < 0 {
			return apperr.New(apperr.KindInsufficientFunds, fmt.Sprintf("not enough %s", id))
		}
	}
	for _, id := range items {
		if state.Inventory[id] < 0 {
			return apperr.New(apperr.KindInsufficientFunds, fmt.Sprintf("not enough %s", id))
		}
	}
	return nil
}

func rankSnapshot(state *domain.PlayerState) map[string]domain.PlayerRankRecord {
	out := make(map[string]domain.PlayerRankRecord, len(state.Ranks))
	for season, rec := range state.Ranks {
		out[season] = *rec
	}
	return out
}

func changedStandings(before map[string]domain.PlayerRankRecord, state *domain.PlayerState) []domain.PlayerRankRecord {
	var out []domain.PlayerRankRecord
	for season, rec := range state.Ranks {
		if prev, ok := before[season]; ok && prev == *rec {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeasonID < out[j].SeasonID })
	return out
}

// State returns the player's committed document, or an empty one.
func (l *Ledger) State(ctx context.Context, playerID string) (*domain.PlayerState, error) {
	snap, err := l.store.Load(ctx, playerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "failed to load player document", err)
	}
	state, err := decodeState(playerID, snap.State)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "corrupt player document", err)
	}
	return state, nil
}

// ClaimHolder returns the player holding key, if any.
func (l *Ledger) ClaimHolder(ctx context.Context, key string) (string, bool, error) {
	holder, found, err := l.store.ClaimHolder(ctx, key)
	if err != nil {
		return "", false, apperr.Wrap(apperr.KindUnavailable, "failed to read claim", err)
	}
	return holder, found, nil
}

func (l *Ledger) Standings(ctx context.Context, seasonID string, limit int) ([]domain.PlayerRankRecord, error) {
	recs, err := l.store.Standings(ctx, seasonID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "failed to read standings", err)
	}
	return recs, nil
}

func (l *Ledger) InactiveStandings(ctx context.Context, seasonID string, cutoff time.Time) ([]domain.PlayerRankRecord, error) {
	recs, err := l.store.InactiveStandings(ctx, seasonID, cutoff)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "failed to read standings", err)
	}
	return recs, nil
}

func (l *Ledger) Violations(ctx context.Context, playerID string, limit int) ([]domain.Violation, error) {
	vs, err := l.store.Violations(ctx, playerID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "failed to read violations", err)
	}
	return vs, nil
}

func (l *Ledger) PruneReceipts(ctx context.Context, before time.Time) (int64, error) {
	n, err := l.store.PruneReceipts(ctx, before)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindUnavailable, "failed to prune receipts", err)
	}
	l.logger.Info().Int64("deleted", n).Time("before", before).Msg("pruned ledger receipts")
	return n, nil
}
