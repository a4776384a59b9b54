package ledger

import (
	"context"
	"errors"
	"time"

	"progression-engine/internal/domain"
)

// ErrVersionConflict is returned by Store.Commit when the document changed
// since it was loaded, or when another writer already recorded the token.
var ErrVersionConflict = errors.New("ledger: version conflict")

// Snapshot is a player document as loaded. Version 0 means no document
// exists yet.
type Snapshot struct {
	Version int64
	State   []byte
}

type Receipt struct {
	Token       string
	Fingerprint string
	Result      []byte
	CreatedAt   time.Time
	// Durable receipts are exempt from pruning and expiry.
	Durable bool
}

// Commit is everything one Apply persists atomically.
type Commit struct {
	PlayerID string
	// Version is the version that was loaded; the stored version becomes
	// Version+1.
	Version int64
	State   []byte
	Receipt Receipt
	// Claims are keys reserved for PlayerID across all players. Commit
	// fails with ErrVersionConflict if another player holds one.
	Claims     []string
	Violations []domain.Violation
	// Standings are rank records that changed in this transaction.
	Standings []domain.PlayerRankRecord
}

type Store interface {
	Load(ctx context.Context, playerID string) (Snapshot, error)
	Receipt(ctx context.Context, playerID, token string) (Receipt, bool, error)
	Commit(ctx context.Context, c Commit) error
	// ClaimHolder returns the player holding key, if any.
	ClaimHolder(ctx context.Context, key string) (string, bool, error)

	Standings(ctx context.Context, seasonID string, limit int) ([]domain.PlayerRankRecord, error)
	// InactiveStandings returns records with points whose last match is
	// before cutoff.
	InactiveStandings(ctx context.Context, seasonID string, cutoff time.Time) ([]domain.PlayerRankRecord, error)
	Violations(ctx context.Context, playerID string, limit int) ([]domain.Violation, error)
	PruneReceipts(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
