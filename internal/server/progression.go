package server

import (
	"context"
	"crypto/subtle"
	"net/http"

	"progression-engine/internal/apperr"
	"progression-engine/internal/config"
	"progression-engine/internal/domain"
	"progression-engine/internal/rank"
	"progression-engine/internal/service"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "progression.v1.ProgressionService"

const (
	ValidatePurchaseProcedure     = "/" + ServiceName + "/ValidatePurchase"
	ValidatePlayerActionProcedure = "/" + ServiceName + "/ValidatePlayerAction"
	PerformGachaPullProcedure     = "/" + ServiceName + "/PerformGachaPull"
	UpdatePlayerRankProcedure     = "/" + ServiceName + "/UpdatePlayerRank"
	UpdateEventProgressProcedure  = "/" + ServiceName + "/UpdateEventProgress"
	TriggerLiveEventProcedure     = "/" + ServiceName + "/TriggerLiveEvent"
	GetLeaderboardProcedure       = "/" + ServiceName + "/GetLeaderboard"
	StartSeasonProcedure          = "/" + ServiceName + "/StartSeason"
)

// OperatorTokenHeader carries the shared secret for operator-only procedures.
const OperatorTokenHeader = "X-Operator-Token"

type ProgressionServer struct {
	purchases     *service.PurchaseService
	gacha         *service.GachaService
	ranks         *service.RankService
	integrity     *service.IntegrityService
	events        *service.EventService
	operatorToken string
	logger        zerolog.Logger
}

func NewProgressionServer(
	purchases *service.PurchaseService,
	gacha *service.GachaService,
	ranks *service.RankService,
	integrity *service.IntegrityService,
	events *service.EventService,
	cfg *config.Config,
	logger zerolog.Logger,
) *ProgressionServer {
	return &ProgressionServer{
		purchases:     purchases,
		gacha:         gacha,
		ranks:         ranks,
		integrity:     integrity,
		events:        events,
		operatorToken: cfg.OperatorToken,
		logger:        logger,
	}
}

type unaryFunc func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)

// Routes returns the path prefix and handler serving every procedure.
func (s *ProgressionServer) Routes(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithRecover(s.recovered)}, opts...)

	mux := http.NewServeMux()
	for procedure, fn := range map[string]unaryFunc{
		ValidatePurchaseProcedure:     s.ValidatePurchase,
		ValidatePlayerActionProcedure: s.ValidatePlayerAction,
		PerformGachaPullProcedure:     s.PerformGachaPull,
		UpdatePlayerRankProcedure:     s.UpdatePlayerRank,
		UpdateEventProgressProcedure:  s.UpdateEventProgress,
		TriggerLiveEventProcedure:     s.TriggerLiveEvent,
		GetLeaderboardProcedure:       s.GetLeaderboard,
		StartSeasonProcedure:          s.StartSeason,
	} {
		mux.Handle(procedure, connect.NewUnaryHandler[structpb.Struct, structpb.Struct](procedure, fn, opts...))
	}
	return "/" + ServiceName + "/", mux
}

func (s *ProgressionServer) recovered(ctx context.Context, call connect.Spec, _ http.Header, r any) error {
	s.log(ctx).Error().Str("procedure", call.Procedure).Interface("panic", r).Msg("handler panicked")
	return connect.NewError(connect.CodeInternal, apperr.New(apperr.KindInternal, "internal error"))
}

// log prefers the request-scoped logger installed by the middleware.
func (s *ProgressionServer) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func respond(fields map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// rejected shapes business refusals as an unsuccessful response. Anything
// else becomes an RPC error.
func (s *ProgressionServer) rejected(ctx context.Context, procedure string, err error, flag string) (*connect.Response[structpb.Struct], error) {
	log := s.log(ctx)
	if apperr.IsRejection(err) {
		log.Warn().Err(err).Str("procedure", procedure).Msg("request rejected")
		return respond(map[string]any{
			flag:     false,
			"reason": err.Error(),
			"code":   string(apperr.KindOf(err)),
		})
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindPermissionDenied:
		log.Warn().Err(err).Str("procedure", procedure).Msg("request refused")
	default:
		log.Error().Err(err).Str("procedure", procedure).Msg("request failed")
	}
	return nil, apperr.ToConnect(err)
}

func (s *ProgressionServer) requireOperator(header http.Header) error {
	if s.operatorToken == "" {
		return apperr.New(apperr.KindPermissionDenied, "operator endpoints are disabled")
	}
	got := header.Get(OperatorTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.operatorToken)) != 1 {
		return apperr.New(apperr.KindPermissionDenied, "invalid operator token")
	}
	return nil
}

func (s *ProgressionServer) ValidatePurchase(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	in := newRecord(req.Msg)
	r := service.PurchaseRequest{
		PlayerID:      in.String("playerId"),
		ProductID:     in.String("itemId"),
		TransactionID: in.String("transactionId"),
		Platform:      in.String("platform"),
		ReceiptData:   in.String("receiptData"),
		AmountCents:   in.Int("amount"),
	}
	if in.err != nil {
		return nil, apperr.ToConnect(in.err)
	}

	res, err := s.purchases.ValidatePurchase(ctx, r)
	if err != nil {
		return s.rejected(ctx, ValidatePurchaseProcedure, err, "success")
	}
	out := map[string]any{
		"success":      res.Success,
		"grantedItems": rewardList(res.Granted),
	}
	if res.Reason != "" {
		out["reason"] = res.Reason
	}
	return respond(out)
}

func (s *ProgressionServer) ValidatePlayerAction(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	in := newRecord(req.Msg)
	r := service.ActionReport{
		PlayerID:        in.String("playerId"),
		SessionID:       in.String("sessionId"),
		ActionType:      in.String("actionType"),
		Position:        in.Vec3("position"),
		Velocity:        in.Vec3("velocity"),
		ClientTimestamp: in.Time("timestamp"),
		RequestID:       in.String("requestId"),
	}
	if in.err != nil {
		return nil, apperr.ToConnect(in.err)
	}

	v, err := s.integrity.ValidatePlayerAction(ctx, r)
	if err != nil {
		return s.rejected(ctx, ValidatePlayerActionProcedure, err, "valid")
	}

	violations := make([]any, 0, len(v.Violations))
	for _, vi := range v.Violations {
		violations = append(violations, map[string]any{
			"id":         vi.ID,
			"type":       string(vi.Type),
			"severity":   string(vi.Severity),
			"evidence":   vi.Evidence,
			"detectedAt": timeValue(vi.DetectedAt),
		})
	}
	out := map[string]any{
		"valid":         v.Valid,
		"violations":    violations,
		"action":        string(v.Action),
		"behaviorScore": v.BehaviorScore,
	}
	if v.Reason != "" {
		out["reason"] = v.Reason
	}
	if v.SuspendedUntil != nil {
		out["suspendedUntil"] = timeValue(*v.SuspendedUntil)
	}
	return respond(out)
}

func (s *ProgressionServer) PerformGachaPull(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	in := newRecord(req.Msg)
	r := service.PullRequest{
		PlayerID:  in.String("playerId"),
		PoolID:    in.String("poolId"),
		Count:     int(in.Int("pullCount")),
		RequestID: in.String("requestId"),
	}
	if in.err != nil {
		return nil, apperr.ToConnect(in.err)
	}

	res, err := s.gacha.Pull(ctx, r)
	if err != nil {
		return s.rejected(ctx, PerformGachaPullProcedure, err, "success")
	}

	results := make([]any, 0, len(res.Results))
	for _, p := range res.Results {
		results = append(results, map[string]any{
			"itemId": string(p.ItemID),
			"rarity": p.Rarity,
			"isNew":  p.IsNew,
		})
	}
	return respond(map[string]any{
		"success":           true,
		"results":           results,
		"newPityCounter":    res.NewPityCounter,
		"guaranteedCounter": res.GuaranteedCounter,
		"totalPulls":        res.TotalPulls,
	})
}

func (s *ProgressionServer) UpdatePlayerRank(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	in := newRecord(req.Msg)
	match := in.Record("matchResult")
	r := service.MatchUpdate{
		PlayerID: in.String("playerId"),
		SeasonID: in.String("seasonId"),
		MatchID:  in.String("matchId"),
		Result: rank.MatchResult{
			Placement: int(match.Int("placement")),
			Kills:     int(match.Int("kills")),
			Won:       match.Bool("won"),
		},
	}
	if in.err == nil {
		in.err = match.err
	}
	if in.err != nil {
		return nil, apperr.ToConnect(in.err)
	}

	res, err := s.ranks.UpdatePlayerRank(ctx, r)
	if err != nil {
		return s.rejected(ctx, UpdatePlayerRankProcedure, err, "success")
	}
	return respond(map[string]any{
		"success":      true,
		"rankChanged":  res.RankChanged,
		"promoted":     res.Promoted,
		"oldRank":      res.OldRank,
		"newRank":      res.NewRank,
		"pointsChange": res.PointsChange,
		"newPoints":    res.NewPoints,
		"rewards":      rewardList(res.Rewards),
	})
}

func (s *ProgressionServer) UpdateEventProgress(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	in := newRecord(req.Msg)
	r := service.ProgressRequest{
		PlayerID:    in.String("playerId"),
		EventID:     in.String("eventId"),
		ChallengeID: in.String("challengeId"),
		Increment:   int(in.Int("increment")),
		RequestID:   in.String("requestId"),
	}
	if in.err != nil {
		return nil, apperr.ToConnect(in.err)
	}

	res, err := s.events.UpdateEventProgress(ctx, r)
	if err != nil {
		return s.rejected(ctx, UpdateEventProgressProcedure, err, "success")
	}
	return respond(map[string]any{
		"success":            true,
		"challengeCompleted": res.ChallengeCompleted,
		"totalProgress":      res.TotalProgress,
		"rewards":            rewardList(res.Rewards),
	})
}

func (s *ProgressionServer) TriggerLiveEvent(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	if err := s.requireOperator(req.Header()); err != nil {
		return s.rejected(ctx, TriggerLiveEventProcedure, err, "success")
	}
	in := newRecord(req.Msg)
	r := service.TriggerRequest{
		EventType: in.String("eventType"),
		EventData: in.StringMap("eventData"),
		Duration:  in.Duration("duration"),
		RequestID: in.String("requestId"),
	}
	if in.err != nil {
		return nil, apperr.ToConnect(in.err)
	}

	res, err := s.events.TriggerLiveEvent(ctx, r)
	if err != nil {
		return s.rejected(ctx, TriggerLiveEventProcedure, err, "success")
	}
	return respond(map[string]any{
		"success":        true,
		"eventId":        res.EventID,
		"challengeCount": res.ChallengeCount,
		"startAt":        timeValue(res.StartAt),
		"endAt":          timeValue(res.EndAt),
		"created":        res.Created,
	})
}

func (s *ProgressionServer) GetLeaderboard(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	in := newRecord(req.Msg)
	seasonID := in.String("seasonId")
	limit := int(in.Int("limit"))
	if in.err != nil {
		return nil, apperr.ToConnect(in.err)
	}

	records, err := s.ranks.Leaderboard(ctx, seasonID, limit)
	if err != nil {
		return s.rejected(ctx, GetLeaderboardProcedure, err, "success")
	}
	entries := make([]any, 0, len(records))
	for i, rec := range records {
		entries = append(entries, standingValue(i+1, rec))
	}
	return respond(map[string]any{
		"success":  true,
		"seasonId": seasonID,
		"entries":  entries,
	})
}

func standingValue(position int, rec domain.PlayerRankRecord) map[string]any {
	return map[string]any{
		"rank":        position,
		"playerId":    rec.PlayerID,
		"tier":        rec.TierID,
		"points":      rec.Points,
		"wins":        rec.Wins,
		"losses":      rec.Losses,
		"lastMatchAt": timeValue(rec.LastMatchAt),
	}
}

func (s *ProgressionServer) StartSeason(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	if err := s.requireOperator(req.Header()); err != nil {
		return s.rejected(ctx, StartSeasonProcedure, err, "success")
	}
	in := newRecord(req.Msg)
	number := int(in.Int("number"))
	duration := in.Duration("duration")
	if in.err != nil {
		return nil, apperr.ToConnect(in.err)
	}

	season, created, err := s.ranks.StartSeason(ctx, number, duration)
	if err != nil {
		return s.rejected(ctx, StartSeasonProcedure, err, "success")
	}
	return respond(map[string]any{
		"success":  true,
		"seasonId": season.SeasonID,
		"number":   season.Number,
		"startAt":  timeValue(season.StartAt),
		"endAt":    timeValue(season.EndAt),
		"created":  created,
	})
}
