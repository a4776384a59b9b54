package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"progression-engine/internal/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore keeps one versioned JSON document per player next to the
// receipt, violation and standings tables.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSQLiteStore(sqlDB *sql.DB, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{db: sqlDB, logger: logger}
}

func (s *SQLiteStore) Load(ctx context.Context, playerID string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT version, state FROM player_documents WHERE player_id = ?`, playerID,
	).Scan(&snap.Version, &snap.State)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load player document: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) Receipt(ctx context.Context, playerID, token string) (Receipt, bool, error) {
	r := Receipt{Token: token}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, result, created_at FROM ledger_receipts WHERE player_id = ? AND token = ?`,
		playerID, token,
	).Scan(&r.Fingerprint, &r.Result, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, fmt.Errorf("failed to read receipt: %w", err)
	}
	r.CreatedAt = fromUnixNano(createdAt)
	return r, true, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	now := c.Receipt.CreatedAt.UnixNano()

	if c.Version == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO player_documents (player_id, version, state, updated_at) VALUES (?, 1, ?, ?)`,
			c.PlayerID, c.State, now)
		if err != nil {
			return classify(fmt.Errorf("failed to insert player document: %w", err))
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE player_documents SET version = version + 1, state = ?, updated_at = ?
			 WHERE player_id = ? AND version = ?`,
			c.State, now, c.PlayerID, c.Version)
		if err != nil {
			return classify(fmt.Errorf("failed to update player document: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_receipts (player_id, token, fingerprint, result, created_at, durable) VALUES (?, ?, ?, ?, ?, ?)`,
		c.PlayerID, c.Receipt.Token, c.Receipt.Fingerprint, c.Receipt.Result, now, c.Receipt.Durable)
	if err != nil {
		return classify(fmt.Errorf("failed to insert receipt: %w", err))
	}

	for _, key := range c.Claims {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_claims (claim_key, player_id, token, created_at) VALUES (?, ?, ?, ?)`,
			key, c.PlayerID, c.Receipt.Token, now)
		if err != nil {
			return classify(fmt.Errorf("failed to insert claim: %w", err))
		}
	}

	for _, v := range c.Violations {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO violations (id, player_id, type, severity, evidence, detected_at) VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, v.PlayerID, string(v.Type), string(v.Severity), v.Evidence, v.DetectedAt.UnixNano())
		if err != nil {
			return classify(fmt.Errorf("failed to insert violation: %w", err))
		}
	}

	for _, rec := range c.Standings {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rank_standings (season_id, player_id, tier_id, points, last_match_at, wins, losses)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(season_id, player_id) DO UPDATE SET
			   tier_id = excluded.tier_id,
			   points = excluded.points,
			   last_match_at = excluded.last_match_at,
			   wins = excluded.wins,
			   losses = excluded.losses`,
			rec.SeasonID, rec.PlayerID, rec.TierID, rec.Points, toUnixNano(rec.LastMatchAt), rec.Wins, rec.Losses)
		if err != nil {
			return classify(fmt.Errorf("failed to upsert standing: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *SQLiteStore) ClaimHolder(ctx context.Context, key string) (string, bool, error) {
	var playerID string
	err := s.db.QueryRowContext(ctx, `SELECT player_id FROM ledger_claims WHERE claim_key = ?`, key).Scan(&playerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read claim: %w", err)
	}
	return playerID, true, nil
}

// classify maps unique-key races and lock contention to ErrVersionConflict.
func classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
	}
	return err
}

const standingColumns = `player_id, season_id, tier_id, points, last_match_at, wins, losses`

func (s *SQLiteStore) Standings(ctx context.Context, seasonID string, limit int) ([]domain.PlayerRankRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+standingColumns+` FROM rank_standings
		 WHERE season_id = ?
		 ORDER BY points DESC, last_match_at ASC, player_id ASC
		 LIMIT ?`, seasonID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query standings: %w", err)
	}
	return scanStandings(rows)
}

func (s *SQLiteStore) InactiveStandings(ctx context.Context, seasonID string, cutoff time.Time) ([]domain.PlayerRankRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+standingColumns+` FROM rank_standings
		 WHERE season_id = ? AND points > 0 AND last_match_at < ?
		 ORDER BY player_id`, seasonID, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query inactive standings: %w", err)
	}
	return scanStandings(rows)
}

func scanStandings(rows *sql.Rows) ([]domain.PlayerRankRecord, error) {
	defer rows.Close()

	var out []domain.PlayerRankRecord
	for rows.Next() {
		var rec domain.PlayerRankRecord
		var lastMatch int64
		if err := rows.Scan(&rec.PlayerID, &rec.SeasonID, &rec.TierID, &rec.Points, &lastMatch, &rec.Wins, &rec.Losses); err != nil {
			return nil, fmt.Errorf("failed to scan standing: %w", err)
		}
		rec.LastMatchAt = fromUnixNano(lastMatch)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate standings: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Violations(ctx context.Context, playerID string, limit int) ([]domain.Violation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, player_id, type, severity, evidence, detected_at FROM violations
		 WHERE player_id = ?
		 ORDER BY detected_at DESC, id
		 LIMIT ?`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var out []domain.Violation
	for rows.Next() {
		var v domain.Violation
		var detected int64
		if err := rows.Scan(&v.ID, &v.PlayerID, &v.Type, &v.Severity, &v.Evidence, &detected); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.DetectedAt = fromUnixNano(detected)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate violations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PruneReceipts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ledger_receipts WHERE created_at < ? AND durable = 0`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune receipts: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; the *sql.DB is shared and closed by its owner.
func (s *SQLiteStore) Close() error {
	return nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
