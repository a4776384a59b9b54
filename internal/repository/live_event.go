package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/domain"

	"github.com/rs/zerolog"
)

type LiveEventRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewLiveEventRepository(sqlDB *sql.DB, logger zerolog.Logger) *LiveEventRepository {
	return &LiveEventRepository{
		db:     sqlDB,
		logger: logger,
	}
}

const liveEventColumns = `event_id, event_type, data, challenges, start_at, end_at, request_id, created_at`

// Create stores ev unless an event with the same request id exists, in which
// case the stored event is returned and created is false.
func (r *LiveEventRepository) Create(ctx context.Context, ev domain.LiveEvent) (domain.LiveEvent, bool, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return domain.LiveEvent{}, false, fmt.Errorf("failed to encode event data: %w", err)
	}
	challenges, err := json.Marshal(ev.Challenges)
	if err != nil {
		return domain.LiveEvent{}, false, fmt.Errorf("failed to encode challenges: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO live_events (`+liveEventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		ev.EventID, ev.EventType, string(data), string(challenges),
		ev.StartAt.UnixNano(), ev.EndAt.UnixNano(), ev.RequestID, ev.CreatedAt.UnixNano())
	if err != nil {
		return domain.LiveEvent{}, false, fmt.Errorf("failed to insert live event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.LiveEvent{}, false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		existing, err := scanLiveEvent(r.db.QueryRowContext(ctx,
			`SELECT `+liveEventColumns+` FROM live_events WHERE request_id = ?`, ev.RequestID))
		if err != nil {
			return domain.LiveEvent{}, false, fmt.Errorf("failed to load existing live event: %w", err)
		}
		return existing, false, nil
	}
	return ev, true, nil
}

func (r *LiveEventRepository) Get(ctx context.Context, eventID string) (domain.LiveEvent, error) {
	ev, err := scanLiveEvent(r.db.QueryRowContext(ctx,
		`SELECT `+liveEventColumns+` FROM live_events WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LiveEvent{}, apperr.New(apperr.KindNotFound, fmt.Sprintf("live event %q not found", eventID))
	}
	if err != nil {
		return domain.LiveEvent{}, fmt.Errorf("failed to get live event: %w", err)
	}
	return ev, nil
}

// Running lists events whose window contains now, earliest end first.
func (r *LiveEventRepository) Running(ctx context.Context, now time.Time) ([]domain.LiveEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+liveEventColumns+` FROM live_events
		 WHERE start_at <= ? AND end_at > ?
		 ORDER BY end_at, event_id`, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list live events: %w", err)
	}
	defer rows.Close()

	var result []domain.LiveEvent
	for rows.Next() {
		ev, err := scanLiveEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan live event: %w", err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func scanLiveEvent(row rowScanner) (domain.LiveEvent, error) {
	var ev domain.LiveEvent
	var data, challenges string
	var startAt, endAt, createdAt int64
	if err := row.Scan(&ev.EventID, &ev.EventType, &data, &challenges, &startAt, &endAt, &ev.RequestID, &createdAt); err != nil {
		return domain.LiveEvent{}, err
	}
	if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
		return domain.LiveEvent{}, fmt.Errorf("failed to decode event data: %w", err)
	}
	if err := json.Unmarshal([]byte(challenges), &ev.Challenges); err != nil {
		return domain.LiveEvent{}, fmt.Errorf("failed to decode challenges: %w", err)
	}
	ev.StartAt = time.Unix(0, startAt).UTC()
	ev.EndAt = time.Unix(0, endAt).UTC()
	ev.CreatedAt = time.Unix(0, createdAt).UTC()
	return ev, nil
}
