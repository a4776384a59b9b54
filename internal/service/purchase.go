package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"progression-engine/internal/api"
	"progression-engine/internal/apperr"
	"progression-engine/internal/catalog"
	"progression-engine/internal/constants"
	"progression-engine/internal/domain"
	"progression-engine/internal/ledger"
	"progression-engine/internal/metrics"

	"github.com/rs/zerolog"
)

type PurchaseRequest struct {
	PlayerID      string
	ProductID     string
	TransactionID string
	Platform      string
	ReceiptData   string
	AmountCents   int64
}

type PurchaseResult struct {
	Success bool            `json:"success"`
	Reason  string          `json:"reason,omitempty"`
	Granted []domain.Reward `json:"granted"`
}

type PurchaseService struct {
	ledger   *ledger.Ledger
	catalog  *catalog.Catalog
	verifier api.ReceiptVerifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewPurchaseService(l *ledger.Ledger, c *catalog.Catalog, verifier api.ReceiptVerifier, m *metrics.Metrics, logger zerolog.Logger) *PurchaseService {
	return &PurchaseService{
		ledger:   l,
		catalog:  c,
		verifier: verifier,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// ValidatePurchase verifies the receipt and grants the product at most once
// per transaction id across all players. Any failure before the commit grants
// nothing.
func (s *PurchaseService) ValidatePurchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	if err := required(
		[2]string{"player_id", req.PlayerID},
		[2]string{"item_id", req.ProductID},
		[2]string{"transaction_id", req.TransactionID},
		[2]string{"platform", req.Platform},
	); err != nil {
		return PurchaseResult{}, err
	}
	if req.AmountCents <= 0 {
		return PurchaseResult{}, apperr.Validation("amount must be positive")
	}
	product, ok := s.catalog.Product(req.ProductID)
	if !ok {
		return PurchaseResult{}, apperr.Validation(fmt.Sprintf("unknown product %q", req.ProductID))
	}
	if req.AmountCents != product.PriceCents {
		return PurchaseResult{}, apperr.Validation(fmt.Sprintf("amount %d does not match price %d", req.AmountCents, product.PriceCents))
	}

	op := ledger.Op{
		PlayerID:    req.PlayerID,
		Token:       "purchase:" + req.TransactionID,
		Fingerprint: ledger.Fingerprint([]any{req.ProductID, req.Platform, req.ReceiptData, req.AmountCents}),
	}

	if prev, found, err := ledger.Lookup[PurchaseResult](ctx, s.ledger, op); err != nil {
		return PurchaseResult{}, err
	} else if found {
		s.logger.Info().Str("player_id", req.PlayerID).Str("transaction_id", req.TransactionID).Msg("purchase already applied")
		return prev, nil
	}

	claim := purchaseClaim(req.Platform, req.TransactionID)
	if holder, held, err := s.ledger.ClaimHolder(ctx, claim); err != nil {
		return PurchaseResult{}, err
	} else if held && holder != req.PlayerID {
		return s.duplicate(req, holder), nil
	}

	verifyCtx, verifyCancel := context.WithTimeout(ctx, constants.VerifierTimeout)
	defer verifyCancel()

	verdict, err := s.verifier.Verify(verifyCtx, api.ReceiptRequest{
		PlayerID:      req.PlayerID,
		ProductID:     req.ProductID,
		TransactionID: req.TransactionID,
		Platform:      req.Platform,
		ReceiptData:   req.ReceiptData,
		AmountCents:   req.AmountCents,
	})
	if err != nil {
		s.metrics.Purchases.WithLabelValues(req.ProductID, "unverified").Inc()
		s.logger.Error().Err(err).Str("player_id", req.PlayerID).Str("transaction_id", req.TransactionID).Msg("receipt verification failed")
		return PurchaseResult{}, apperr.Wrap(apperr.KindUnavailable, "receipt verification unavailable", err)
	}
	if !verdict.Valid {
		s.metrics.Purchases.WithLabelValues(req.ProductID, "rejected").Inc()
		s.logger.Warn().Str("player_id", req.PlayerID).Str("transaction_id", req.TransactionID).Str("reason", verdict.Reason).Msg("receipt rejected")
		return PurchaseResult{Success: false, Reason: "receipt rejected: " + verdict.Reason}, nil
	}

	now := s.now().UTC()
	res, err := ledger.Apply(ctx, s.ledger, op, func(tx *ledger.Tx) (PurchaseResult, error) {
		if err := checkSuspended(tx.State, now); err != nil {
			return PurchaseResult{}, err
		}
		tx.Claim(claim)
		tx.Grant(product.Grants...)
		return PurchaseResult{Success: true, Granted: product.Grants}, nil
	})
	if errors.Is(err, apperr.ErrIntegrity) {
		return s.duplicate(req, ""), nil
	}
	if err != nil {
		s.metrics.Purchases.WithLabelValues(req.ProductID, "failed").Inc()
		return PurchaseResult{}, err
	}

	s.metrics.Purchases.WithLabelValues(req.ProductID, "granted").Inc()
	s.logger.Info().
		Str("player_id", req.PlayerID).
		Str("product_id", req.ProductID).
		Str("transaction_id", req.TransactionID).
		Msg("purchase granted")
	return res, nil
}

// purchaseClaim is the global key that keeps a platform transaction from
// being redeemed by more than one player.
func purchaseClaim(platform, transactionID string) string {
	return "purchase:" + platform + ":" + transactionID
}

func (s *PurchaseService) duplicate(req PurchaseRequest, holder string) PurchaseResult {
	s.metrics.Purchases.WithLabelValues(req.ProductID, "duplicate").Inc()
	s.logger.Warn().
		Str("player_id", req.PlayerID).
		Str("holder_id", holder).
		Str("transaction_id", req.TransactionID).
		Msg("transaction already redeemed by another player")
	return PurchaseResult{Success: false, Reason: "transaction already redeemed"}
}
