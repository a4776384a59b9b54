package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type SeasonRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSeasonRepository(sqlDB *sql.DB, logger zerolog.Logger) *SeasonRepository {
	return &SeasonRepository{
		db:     sqlDB,
		logger: logger,
	}
}

const seasonColumns = `season_id, number, start_at, end_at, active`

// Start creates season number and makes it the only active one. Starting a
// number that already exists returns the existing season unchanged.
func (r *SeasonRepository) Start(ctx context.Context, number int, startAt time.Time, duration time.Duration) (domain.Season, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Season{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanSeason(tx.QueryRowContext(ctx,
		`SELECT `+seasonColumns+` FROM seasons WHERE number = ?`, number))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Season{}, false, fmt.Errorf("failed to look up season: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE seasons SET active = 0 WHERE active = 1`); err != nil {
		return domain.Season{}, false, fmt.Errorf("failed to deactivate seasons: %w", err)
	}

	season := domain.Season{
		SeasonID: uuid.NewString(),
		Number:   number,
		StartAt:  startAt.UTC(),
		EndAt:    startAt.Add(duration).UTC(),
		Active:   true,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO seasons (season_id, number, start_at, end_at, active) VALUES (?, ?, ?, ?, 1)`,
		season.SeasonID, season.Number, season.StartAt.UnixNano(), season.EndAt.UnixNano())
	if err != nil {
		return domain.Season{}, false, fmt.Errorf("failed to insert season: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Season{}, false, fmt.Errorf("failed to commit season: %w", err)
	}

	r.logger.Info().
		Str("season_id", season.SeasonID).
		Int("number", season.Number).
		Time("end_at", season.EndAt).
		Msg("season started")
	return season, true, nil
}

// Active returns the active season at now. A season past its end is
// deactivated on the way.
func (r *SeasonRepository) Active(ctx context.Context, now time.Time) (domain.Season, bool, error) {
	season, err := scanSeason(r.db.QueryRowContext(ctx,
		`SELECT `+seasonColumns+` FROM seasons WHERE active = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Season{}, false, nil
	}
	if err != nil {
		return domain.Season{}, false, fmt.Errorf("failed to get active season: %w", err)
	}

	if !now.Before(season.EndAt) {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE seasons SET active = 0 WHERE season_id = ?`, season.SeasonID); err != nil {
			return domain.Season{}, false, fmt.Errorf("failed to end season: %w", err)
		}
		r.logger.Info().Str("season_id", season.SeasonID).Int("number", season.Number).Msg("season ended")
		return domain.Season{}, false, nil
	}
	return season, true, nil
}

func (r *SeasonRepository) Get(ctx context.Context, seasonID string) (domain.Season, error) {
	season, err := scanSeason(r.db.QueryRowContext(ctx,
		`SELECT `+seasonColumns+` FROM seasons WHERE season_id = ?`, seasonID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Season{}, apperr.New(apperr.KindNotFound, fmt.Sprintf("season %q not found", seasonID))
	}
	if err != nil {
		return domain.Season{}, fmt.Errorf("failed to get season: %w", err)
	}
	return season, nil
}

func (r *SeasonRepository) List(ctx context.Context) ([]domain.Season, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+seasonColumns+` FROM seasons ORDER BY number DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list seasons: %w", err)
	}
	defer rows.Close()

	var result []domain.Season
	for rows.Next() {
		s, err := scanSeason(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan season: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeason(row rowScanner) (domain.Season, error) {
	var s domain.Season
	var startAt, endAt int64
	if err := row.Scan(&s.SeasonID, &s.Number, &startAt, &endAt, &s.Active); err != nil {
		return domain.Season{}, err
	}
	s.StartAt = time.Unix(0, startAt).UTC()
	s.EndAt = time.Unix(0, endAt).UTC()
	return s, nil
}
