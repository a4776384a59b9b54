package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"progression-engine/internal/config"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

type ReceiptRequest struct {
	PlayerID      string `json:"player_id"`
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Platform      string `json:"platform"`
	ReceiptData   string `json:"receipt_data"`
	AmountCents   int64  `json:"amount_cents"`
}

type ReceiptVerdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// ReceiptVerifier confirms a store receipt with the platform. An error means
// the platform could not be asked; a refusal is a verdict with Valid false.
type ReceiptVerifier interface {
	Verify(ctx context.Context, req ReceiptRequest) (ReceiptVerdict, error)
}

func NewReceiptVerifier(cfg *config.Config, logger zerolog.Logger) ReceiptVerifier {
	if cfg.ReceiptVerifierURL == "" {
		logger.Warn().Msg("no receipt verifier configured, accepting sandbox receipts")
		return SandboxVerifier{}
	}
	return NewPlatformVerifier(cfg.ReceiptVerifierURL, cfg.ReceiptVerifierKey, logger)
}

// SandboxVerifier accepts any non-empty receipt that is not marked
// "invalid:". It exists for local runs and tests.
type SandboxVerifier struct{}

func (SandboxVerifier) Verify(_ context.Context, req ReceiptRequest) (ReceiptVerdict, error) {
	switch {
	case req.ReceiptData == "":
		return ReceiptVerdict{Reason: "empty receipt"}, nil
	case strings.HasPrefix(req.ReceiptData, "invalid:"):
		return ReceiptVerdict{Reason: strings.TrimPrefix(req.ReceiptData, "invalid:")}, nil
	}
	return ReceiptVerdict{Valid: true}, nil
}

type PlatformVerifier struct {
	url         string
	apiKey      string
	client      *fasthttp.Client
	logger      zerolog.Logger
	rateLimitMu sync.RWMutex
	rateLimit   RateLimitInfo
}

type RateLimitInfo struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`

	// seconds until reset
	Reset int `json:"reset"`

	UpdatedAt time.Time `json:"updated_at"`
}

func NewPlatformVerifier(url, apiKey string, logger zerolog.Logger) *PlatformVerifier {
	return &PlatformVerifier{
		url:    url,
		apiKey: apiKey,
		logger: logger.With().Str("component", "receipt_verifier").Logger(),
		client: &fasthttp.Client{
			MaxConnsPerHost:     100,
			ReadTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: 1 * time.Minute,
		},
	}
}

func (v *PlatformVerifier) RateLimit() RateLimitInfo {
	v.rateLimitMu.RLock()
	defer v.rateLimitMu.RUnlock()
	return v.rateLimit
}

func (v *PlatformVerifier) updateRateLimit(resp *fasthttp.Response) {
	v.rateLimitMu.Lock()
	defer v.rateLimitMu.Unlock()

	if limit := string(resp.Header.Peek("X-Ratelimit-Limit")); limit != "" {
		if val, err := strconv.Atoi(limit); err == nil {
			v.rateLimit.Limit = val
		}
	}
	if remaining := string(resp.Header.Peek("X-Ratelimit-Remaining")); remaining != "" {
		if val, err := strconv.Atoi(remaining); err == nil {
			v.rateLimit.Remaining = val
		}
	}
	if reset := string(resp.Header.Peek("X-Ratelimit-Reset")); reset != "" {
		if val, err := strconv.Atoi(reset); err == nil {
			v.rateLimit.Reset = val
		}
	}
	v.rateLimit.UpdatedAt = time.Now()
}

// checkRateLimit warns once a tenth or less of the platform quota is left.
func (v *PlatformVerifier) checkRateLimit() {
	rl := v.RateLimit()
	if rl.Limit <= 0 || rl.Remaining*10 > rl.Limit {
		return
	}
	v.logger.Warn().
		Int("limit", rl.Limit).
		Int("remaining", rl.Remaining).
		Int("reset_seconds", rl.Reset).
		Msg("receipt verifier rate limit nearly exhausted")
}

func (v *PlatformVerifier) Verify(ctx context.Context, req ReceiptRequest) (ReceiptVerdict, error) {
	verdict, err := doRequest[ReceiptVerdict](ctx, v, req)
	v.checkRateLimit()
	if err != nil {
		return ReceiptVerdict{}, fmt.Errorf("failed to verify receipt: %w", err)
	}
	return *verdict, nil
}

func doRequest[T any](ctx context.Context, v *PlatformVerifier, body any) (*T, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(v.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", v.apiKey)
	req.SetBody(payload)

	deadline, ok := ctx.Deadline()
	if ok {
		if err := v.client.DoDeadline(req, resp, deadline); err != nil {
			return nil, err
		}
	} else {
		if err := v.client.Do(req, resp); err != nil {
			return nil, err
		}
	}

	v.updateRateLimit(resp)

	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("API error: %d", resp.StatusCode())
	}

	var result T
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}
