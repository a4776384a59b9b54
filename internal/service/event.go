package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/catalog"
	"progression-engine/internal/constants"
	"progression-engine/internal/domain"
	"progression-engine/internal/events"
	"progression-engine/internal/ledger"
	"progression-engine/internal/metrics"
	"progression-engine/internal/repository"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// RequirementMultiplierKey in eventData scales every challenge requirement.
const RequirementMultiplierKey = "requirementMultiplier"

const maxRequirementMultiplier = 10

type TriggerRequest struct {
	EventType string
	EventData map[string]string
	Duration  time.Duration
	RequestID string
}

type TriggerResult struct {
	EventID        string
	ChallengeCount int
	StartAt        time.Time
	EndAt          time.Time
	Created        bool
}

type ProgressRequest struct {
	PlayerID    string
	EventID     string
	ChallengeID string
	Increment   int
	RequestID   string
}

type ProgressResult struct {
	ChallengeCompleted bool            `json:"challenge_completed"`
	TotalProgress      int             `json:"total_progress"`
	Rewards            []domain.Reward `json:"rewards,omitempty"`
}

type EventService struct {
	ledger  *ledger.Ledger
	catalog *catalog.Catalog
	repo    *repository.LiveEventRepository
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEventService(l *ledger.Ledger, c *catalog.Catalog, repo *repository.LiveEventRepository, m *metrics.Metrics, logger zerolog.Logger) *EventService {
	return &EventService{
		ledger:  l,
		catalog: c,
		repo:    repo,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// TriggerLiveEvent starts an event from its catalog template, running from
// now for duration. Repeating a request id returns the first event.
func (s *EventService) TriggerLiveEvent(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DatabaseTimeout)
	defer cancel()

	if err := required(
		[2]string{"event_type", req.EventType},
		[2]string{"request_id", req.RequestID},
	); err != nil {
		return TriggerResult{}, err
	}
	if req.Duration <= 0 || req.Duration > constants.MaxEventDuration {
		return TriggerResult{}, apperr.Validation(fmt.Sprintf("duration must be within (0, %s]", constants.MaxEventDuration))
	}
	tmpl, ok := s.catalog.EventTemplate(req.EventType)
	if !ok {
		return TriggerResult{}, apperr.Validation(fmt.Sprintf("unknown event type %q", req.EventType))
	}
	multiplier, err := requirementMultiplier(req.EventData)
	if err != nil {
		return TriggerResult{}, err
	}

	id, err := gonanoid.New()
	if err != nil {
		return TriggerResult{}, fmt.Errorf("failed to generate event id: %w", err)
	}
	now := s.now().UTC()
	data := req.EventData
	if data == nil {
		data = map[string]string{}
	}

	ev := domain.LiveEvent{
		EventID:    "ev_" + id,
		EventType:  tmpl.Type,
		Data:       data,
		Challenges: make([]domain.LiveEventChallenge, 0, len(tmpl.Challenges)),
		StartAt:    now,
		EndAt:      now.Add(req.Duration),
		RequestID:  req.RequestID,
		CreatedAt:  now,
	}
	for _, c := range tmpl.Challenges {
		ev.Challenges = append(ev.Challenges, domain.LiveEventChallenge{
			ChallengeID: c.ID,
			Description: c.Description,
			Requirement: scaleRequirement(c.Requirement, multiplier),
			Rewards:     c.Rewards,
		})
	}

	stored, created, err := s.repo.Create(ctx, ev)
	if err != nil {
		return TriggerResult{}, apperr.Wrap(apperr.KindUnavailable, "failed to store live event", err)
	}
	if created {
		s.logger.Info().
			Str("event_id", stored.EventID).
			Str("event_type", stored.EventType).
			Int("challenges", len(stored.Challenges)).
			Time("end_at", stored.EndAt).
			Msg("live event started")
	}
	return TriggerResult{
		EventID:        stored.EventID,
		ChallengeCount: len(stored.Challenges),
		StartAt:        stored.StartAt,
		EndAt:          stored.EndAt,
		Created:        created,
	}, nil
}

func requirementMultiplier(data map[string]string) (float64, error) {
	raw, ok := data[RequirementMultiplierKey]
	if !ok || raw == "" {
		return 1, nil
	}
	m, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(m) || m <= 0 || m > maxRequirementMultiplier {
		return 0, apperr.Validation(fmt.Sprintf("%s must be a number in (0, %d]", RequirementMultiplierKey, maxRequirementMultiplier))
	}
	return m, nil
}

func scaleRequirement(requirement int, multiplier float64) int {
	return max(1, int(math.Ceil(float64(requirement)*multiplier)))
}

// UpdateEventProgress advances one challenge of a running event and grants
// its reward the first time the requirement is reached.
func (s *EventService) UpdateEventProgress(ctx context.Context, req ProgressRequest) (ProgressResult, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.LedgerTimeout)
	defer cancel()

	if err := required(
		[2]string{"player_id", req.PlayerID},
		[2]string{"event_id", req.EventID},
		[2]string{"challenge_id", req.ChallengeID},
		[2]string{"request_id", req.RequestID},
	); err != nil {
		return ProgressResult{}, err
	}
	if req.Increment <= 0 {
		return ProgressResult{}, apperr.Validation("increment must be positive")
	}

	ev, err := s.repo.Get(ctx, req.EventID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return ProgressResult{}, err
		}
		return ProgressResult{}, apperr.Wrap(apperr.KindUnavailable, "failed to load live event", err)
	}
	now := s.now().UTC()
	if !ev.Running(now) {
		return ProgressResult{}, apperr.Validation(fmt.Sprintf("live event %q is not running", ev.EventID))
	}
	challenge, ok := ev.Challenge(req.ChallengeID)
	if !ok {
		return ProgressResult{}, apperr.New(apperr.KindNotFound, fmt.Sprintf("challenge %q not found in event %q", req.ChallengeID, ev.EventID))
	}

	op := ledger.Op{
		PlayerID:    req.PlayerID,
		Token:       fmt.Sprintf("event:%s:%s:%s", ev.EventID, challenge.ChallengeID, req.RequestID),
		Fingerprint: ledger.Fingerprint([]any{req.Increment}),
	}
	res, err := ledger.Apply(ctx, s.ledger, op, func(tx *ledger.Tx) (ProgressResult, error) {
		if err := checkSuspended(tx.State, now); err != nil {
			return ProgressResult{}, err
		}
		adv, err := events.AdvanceChallenge(tx.State, ev.EventID, challenge, req.Increment, now)
		if err != nil {
			return ProgressResult{}, err
		}
		tx.Grant(adv.Rewards...)
		return ProgressResult{
			ChallengeCompleted: adv.CompletedNow,
			TotalProgress:      adv.TotalProgress,
			Rewards:            adv.Rewards,
		}, nil
	})
	if err != nil {
		return ProgressResult{}, err
	}

	if res.ChallengeCompleted {
		s.metrics.ChallengesDone.WithLabelValues(ev.EventType, challenge.ChallengeID).Inc()
		s.logger.Info().
			Str("player_id", req.PlayerID).
			Str("event_id", ev.EventID).
			Str("challenge_id", challenge.ChallengeID).
			Msg("challenge completed")
	}
	return res, nil
}
