package service

import (
	"context"
	"fmt"
	"time"

	"progression-engine/internal/anticheat"
	"progression-engine/internal/apperr"
	"progression-engine/internal/constants"
	"progression-engine/internal/domain"
	"progression-engine/internal/ledger"
	"progression-engine/internal/metrics"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

type ActionReport struct {
	PlayerID        string
	SessionID       string
	ActionType      string
	Position        domain.Vec3
	Velocity        domain.Vec3
	ClientTimestamp time.Time
	// RequestID defaults to one derived from session, action and client time.
	RequestID string
}

type ActionVerdict struct {
	Valid          bool               `json:"valid"`
	Violations     []domain.Violation `json:"violations"`
	Action         anticheat.Action   `json:"action"`
	BehaviorScore  float64            `json:"behavior_score"`
	Reason         string             `json:"reason,omitempty"`
	SuspendedUntil *time.Time         `json:"suspended_until,omitempty"`
}

type IntegrityService struct {
	ledger  *ledger.Ledger
	scorer  *anticheat.Scorer
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewIntegrityService(l *ledger.Ledger, scorer *anticheat.Scorer, m *metrics.Metrics, logger zerolog.Logger) *IntegrityService {
	return &IntegrityService{
		ledger:  l,
		scorer:  scorer,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// ValidatePlayerAction scores one reported action. Violations are written to
// the audit trail in the same commit as the sample. If the evaluation itself
// breaks the action is allowed; storage failures and conflicts are returned
// so the caller can retry without losing violations.
func (s *IntegrityService) ValidatePlayerAction(ctx context.Context, req ActionReport) (ActionVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.LedgerTimeout)
	defer cancel()

	if err := required(
		[2]string{"player_id", req.PlayerID},
		[2]string{"session_id", req.SessionID},
		[2]string{"action_type", req.ActionType},
	); err != nil {
		return ActionVerdict{}, err
	}
	if req.RequestID == "" && req.ClientTimestamp.IsZero() {
		return ActionVerdict{}, apperr.Validation("request_id or timestamp is required")
	}

	token := req.RequestID
	if token == "" {
		token = fmt.Sprintf("%s:%s:%d", req.SessionID, req.ActionType, req.ClientTimestamp.UnixNano())
	}
	op := ledger.Op{
		PlayerID:    req.PlayerID,
		Token:       "action:" + token,
		Fingerprint: ledger.Fingerprint([]any{req.SessionID, req.ActionType, req.Position, req.Velocity, req.ClientTimestamp.UnixNano()}),
	}
	now := s.now().UTC()

	verdict, err := ledger.Apply(ctx, s.ledger, op, func(tx *ledger.Tx) (v ActionVerdict, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperr.New(apperr.KindInternal, fmt.Sprintf("anti-cheat evaluation panicked: %v", r))
			}
		}()
		return s.evaluate(tx, req, now)
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return ActionVerdict{}, err
		}
		s.logger.Error().Err(err).Str("player_id", req.PlayerID).Msg("anti-cheat evaluation failed, allowing action")
		return ActionVerdict{
			Valid:         true,
			Action:        anticheat.ActionAllow,
			BehaviorScore: 1,
			Reason:        "evaluation unavailable",
		}, nil
	}

	for _, v := range verdict.Violations {
		s.metrics.Violations.WithLabelValues(string(v.Type), string(v.Severity)).Inc()
		s.logger.Warn().
			Str("player_id", req.PlayerID).
			Str("violation_id", v.ID).
			Str("type", string(v.Type)).
			Str("severity", string(v.Severity)).
			Str("evidence", v.Evidence).
			Msg("integrity violation")
	}
	return verdict, nil
}

func (s *IntegrityService) evaluate(tx *ledger.Tx, req ActionReport, now time.Time) (ActionVerdict, error) {
	state := tx.State
	sample := domain.ActionSample{
		PlayerID:        req.PlayerID,
		SessionID:       req.SessionID,
		ActionType:      req.ActionType,
		Position:        req.Position,
		Velocity:        req.Velocity,
		ClientTimestamp: req.ClientTimestamp.UTC(),
		ServerTimestamp: now,
	}

	ev := s.scorer.Evaluate(sample, state.Integrity.Samples, state.Integrity.LastPosition, state.Integrity.LastActionAt)
	for i := range ev.Violations {
		id, err := gonanoid.New()
		if err != nil {
			return ActionVerdict{}, fmt.Errorf("failed to generate violation id: %w", err)
		}
		ev.Violations[i].ID = id
	}
	tx.Record(ev.Violations...)

	punishment := s.scorer.Escalate(ev.Violations)
	if punishment.Suspend {
		until := now.Add(punishment.SuspendFor)
		if cur := state.Integrity.Suspension; cur == nil || cur.Until.Before(until) {
			state.Integrity.Suspension = &domain.Suspension{
				Reason:   punishment.Description,
				Severity: punishment.Severity,
				Since:    now,
				Until:    until,
			}
			s.logger.Warn().
				Str("player_id", req.PlayerID).
				Str("severity", string(punishment.Severity)).
				Time("until", until).
				Msg("player suspended")
		}
	}

	state.Integrity.Samples = retainSamples(append(state.Integrity.Samples, sample), now)
	pos := sample.Position
	state.Integrity.LastPosition = &pos
	state.Integrity.LastActionAt = now

	verdict := ActionVerdict{
		Valid:         true,
		Violations:    ev.Violations,
		Action:        punishment.Action,
		BehaviorScore: ev.BehaviorScore,
		Reason:        punishment.Description,
	}
	if verdict.Violations == nil {
		verdict.Violations = []domain.Violation{}
	}
	if sus, ok := state.SuspendedAt(now); ok {
		until := sus.Until
		verdict.Valid = false
		verdict.Action = anticheat.ActionFlag
		verdict.SuspendedUntil = &until
		if verdict.Reason == "" {
			verdict.Reason = sus.Reason
		}
	}
	return verdict, nil
}

// retainSamples drops samples older than the retention horizon and keeps at
// most the newest MaxRetainedSamples.
func retainSamples(samples []domain.ActionSample, now time.Time) []domain.ActionSample {
	cutoff := now.Add(-constants.SampleRetention)
	start := 0
	for start < len(samples) && samples[start].ServerTimestamp.Before(cutoff) {
		start++
	}
	if n := len(samples) - start; n > constants.MaxRetainedSamples {
		start = len(samples) - constants.MaxRetainedSamples
	}
	return append([]domain.ActionSample(nil), samples[start:]...)
}

func (s *IntegrityService) Violations(ctx context.Context, playerID string, limit int) ([]domain.Violation, error) {
	if playerID == "" {
		return nil, apperr.Validation("player_id is required")
	}
	if limit <= 0 || limit > constants.ViolationListLimit {
		limit = constants.ViolationListLimit
	}
	return s.ledger.Violations(ctx, playerID, limit)
}
