package worker

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"raceroom/internal/models"
	"raceroom/internal/service"
)

// Monitor periodically reconciles the store against the chain and settles
// journaled actions left pending by a previous run
type Monitor struct {
	manager *WorkerManager
	logger  *zap.Logger

	// journaled transactions re-tracked at startup
	recovered map[common.Hash]models.ActionRecord
}

// NewMonitor creates a new reconcile monitor
func NewMonitor(manager *WorkerManager) *Monitor {
	return &Monitor{
		manager:   manager,
		logger:    manager.logger.Named("monitor"),
		recovered: make(map[common.Hash]models.ActionRecord),
	}
}

// Run starts the monitor loop
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.manager.reconcileInterval()
	m.logger.Info("Monitor started",
		zap.Duration("reconcile_interval", interval),
		zap.Duration("overlay_ttl", m.manager.cfg.Sync.OverlayTTL))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			return nil
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll executes one monitor cycle
func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, ReconcileTimeout)
	defer cancel()

	m.reconcile(pollCtx)
	m.settleRecovered(pollCtx)
}

func (m *Monitor) reconcile(ctx context.Context) {
	refreshed, err := m.manager.store.Reconcile(ctx, m.manager.cfg.Sync.OverlayTTL)
	if err != nil {
		m.logger.Warn("Reconcile incomplete",
			zap.Int("refreshed", refreshed),
			zap.Error(err))
		return
	}
	if refreshed > 0 {
		m.logger.Debug("Reconciled rooms", zap.Int("refreshed", refreshed))
	}
}

// recover re-tracks journaled actions that never reached an outcome
func (m *Monitor) recover(ctx context.Context) {
	if m.manager.journal == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, RecoveryTimeout)
	defer cancel()

	pending, err := m.manager.journal.ListPendingActions(recCtx)
	if err != nil {
		m.logger.Error("Failed to load pending actions", zap.Error(err))
		return
	}

	for _, rec := range pending {
		hash := common.HexToHash(rec.TxHash)
		var roomID *big.Int
		if rec.RoomID != "" {
			if id, ok := new(big.Int).SetString(rec.RoomID, 10); ok {
				roomID = id
			}
		}
		m.manager.tracker.Track(hash, rec.Kind, roomID)
		m.recovered[hash] = rec
	}

	if len(pending) > 0 {
		m.logger.Info("Resumed pending actions", zap.Int("count", len(pending)))
	}
}

// settleRecovered writes the outcome of re-tracked actions to the journal
func (m *Monitor) settleRecovered(ctx context.Context) {
	for hash, rec := range m.recovered {
		tx, ok := m.manager.tracker.Get(hash)
		if !ok {
			// abandoned
			delete(m.recovered, hash)
			continue
		}
		if !tx.Status.Terminal() {
			continue
		}

		var errMsg *string
		level := service.LevelSuccess
		text := fmt.Sprintf("Earlier %s transaction confirmed", rec.Kind)
		if tx.Status == models.TxStatusFailed {
			msg := tx.Error
			errMsg = &msg
			level = service.LevelError
			text = fmt.Sprintf("Earlier %s transaction failed: %s", rec.Kind, tx.Error)
		}

		if err := m.manager.journal.UpdateActionStatus(ctx, rec.TxHash, tx.Status, errMsg); err != nil {
			m.logger.Error("Failed to update recovered action",
				zap.String("tx_hash", rec.TxHash),
				zap.Error(err))
			continue
		}
		_ = m.manager.tracker.Ack(hash)
		delete(m.recovered, hash)

		if tx.Status == models.TxStatusConfirmed && tx.RoomID != nil {
			// the effect is not known here; read it from the chain
			if err := m.manager.store.Backfill(ctx, tx.RoomID); err != nil {
				m.logger.Warn("Failed to refresh room",
					zap.String("room_id", tx.RoomID.String()),
					zap.Error(err))
			}
		}

		m.manager.notifier.Publish(service.Message{
			Level:  level,
			Action: rec.Kind,
			RoomID: rec.RoomID,
			TxHash: rec.TxHash,
			Text:   text,
		})
	}
}

func roomString(id *big.Int) string {
	if id == nil {
		return ""
	}
	return id.String()
}
