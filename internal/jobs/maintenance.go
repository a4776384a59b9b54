// Package jobs runs the periodic maintenance passes in-process. The same
// passes are available one-shot through opsctl for external schedulers.
package jobs

import (
	"context"
	"sync"
	"time"

	"progression-engine/internal/service"

	"github.com/rs/zerolog"
)

type Decayer interface {
	ApplyDecay(ctx context.Context, now time.Time) (service.DecayReport, error)
}

type ReceiptPruner interface {
	PruneReceipts(ctx context.Context, before time.Time) (int64, error)
}

type Maintenance struct {
	decay     Decayer
	receipts  ReceiptPruner
	interval  time.Duration
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenance returns a job that runs decay and receipt pruning every
// interval. A non-positive retention skips pruning.
func NewMaintenance(decay Decayer, receipts ReceiptPruner, interval, retention time.Duration, logger zerolog.Logger) *Maintenance {
	return &Maintenance{
		decay:     decay,
		receipts:  receipts,
		interval:  interval,
		retention: retention,
		logger:    logger.With().Str("job", "maintenance").Logger(),
		now:       time.Now,
	}
}

// RunOnce performs one pass at now.
func (m *Maintenance) RunOnce(ctx context.Context, now time.Time) {
	// ApplyDecay logs its own summary.
	if _, err := m.decay.ApplyDecay(ctx, now); err != nil {
		m.logger.Error().Err(err).Msg("decay pass failed")
	}

	if m.receipts == nil || m.retention <= 0 {
		return
	}
	pruned, err := m.receipts.PruneReceipts(ctx, now.Add(-m.retention))
	if err != nil {
		m.logger.Error().Err(err).Msg("receipt pruning failed")
		return
	}
	if pruned > 0 {
		m.logger.Info().Int64("pruned", pruned).Msg("pruned expired receipts")
	}
}

func (m *Maintenance) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx, m.now().UTC())
		}
	}
}

// Start launches the ticker loop. It is a no-op when the interval is not
// positive.
func (m *Maintenance) Start() {
	if m.interval <= 0 {
		m.logger.Info().Msg("in-process maintenance disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
	m.logger.Info().Dur("interval", m.interval).Msg("maintenance job started")
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (m *Maintenance) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.cancel = nil
}
