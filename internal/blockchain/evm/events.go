package evm

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"raceroom/internal/models"
)

// LogBackend is the log-reading side of the RPC client
type LogBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// WatcherConfig tunes the event watcher
type WatcherConfig struct {
	PollInterval    time.Duration
	StartBlock      uint64
	MaxBlockRange   uint64 // blocks per FilterLogs request
	UseSubscription bool
}

// EventWatcher streams decoded room events in chain order
type EventWatcher struct {
	backend LogBackend
	rooms   *Rooms
	cfg     WatcherConfig
	// next block to scan
	cursor atomic.Uint64
	logger *zap.Logger
}

// NewEventWatcher creates a new event watcher
func NewEventWatcher(backend LogBackend, rooms *Rooms, cfg WatcherConfig, logger *zap.Logger) *EventWatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	w := &EventWatcher{
		backend: backend,
		rooms:   rooms,
		cfg:     cfg,
		logger:  logger.Named("events"),
	}
	w.cursor.Store(cfg.StartBlock)
	return w
}

// Cursor returns the next block the watcher will scan
func (w *EventWatcher) Cursor() uint64 {
	return w.cursor.Load()
}

// Watch starts delivering events. The channel closes when ctx is done.
func (w *EventWatcher) Watch(ctx context.Context) <-chan models.EventRecord {
	events := make(chan models.EventRecord, 100)

	go func() {
		defer close(events)
		if w.cfg.UseSubscription {
			w.runSubscription(ctx, events)
			return
		}
		w.runPolling(ctx, events)
	}()

	return events
}

func (w *EventWatcher) runPolling(ctx context.Context, events chan<- models.EventRecord) {
	w.logger.Info("Starting event polling",
		zap.Uint64("from_block", w.Cursor()),
		zap.Duration("interval", w.cfg.PollInterval))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.poll(ctx, events); err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to poll events", zap.Error(err), zap.Uint64("cursor", w.Cursor()))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll scans every block from the cursor to the head
func (w *EventWatcher) poll(ctx context.Context, events chan<- models.EventRecord) error {
	latest, err := w.backend.BlockNumber(ctx)
	if err != nil {
		return models.NetworkError("block number", err)
	}

	for start := w.Cursor(); start <= latest; {
		end := start + w.cfg.MaxBlockRange - 1
		if end > latest {
			end = latest
		}

		query := w.rooms.FilterQuery(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end))
		logs, err := w.backend.FilterLogs(ctx, query)
		if err != nil {
			return models.NetworkError("filter logs", err)
		}

		if len(logs) > 0 {
			w.logger.Debug("Found room events",
				zap.Uint64("from_block", start),
				zap.Uint64("to_block", end),
				zap.Int("logs", len(logs)))
		}

		for _, log := range logs {
			if err := w.deliver(ctx, log, events); err != nil {
				return err
			}
		}

		w.cursor.Store(end + 1)
		start = end + 1
	}

	return nil
}

// runSubscription follows new logs over a websocket subscription. Each
// (re)subscribe is followed by a catch-up scan so nothing between the last
// cursor and the subscription start is missed; duplicates are harmless.
func (w *EventWatcher) runSubscription(ctx context.Context, events chan<- models.EventRecord) {
	w.logger.Info("Starting event subscription", zap.Uint64("from_block", w.Cursor()))

	for ctx.Err() == nil {
		logs := make(chan types.Log, 128)
		sub, err := w.backend.SubscribeFilterLogs(ctx, w.rooms.FilterQuery(nil, nil), logs)
		if err != nil {
			w.logger.Warn("Log subscription failed, polling instead", zap.Error(err))
			if err := w.poll(ctx, events); err != nil && ctx.Err() == nil {
				w.logger.Error("Failed to poll events", zap.Error(err))
			}
			if !sleep(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		if err := w.poll(ctx, events); err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to catch up on events", zap.Error(err))
		}

		w.follow(ctx, sub, logs, events)
		sub.Unsubscribe()
	}
}

func (w *EventWatcher) follow(ctx context.Context, sub ethereum.Subscription, logs <-chan types.Log, events chan<- models.EventRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			w.logger.Warn("Log subscription dropped, resubscribing", zap.Error(err))
			return
		case log := <-logs:
			if err := w.deliver(ctx, log, events); err != nil {
				return
			}
			// rescan the block on resubscribe; other logs of it may still be in flight
			if log.BlockNumber > w.Cursor() {
				w.cursor.Store(log.BlockNumber)
			}
		}
	}
}

func (w *EventWatcher) deliver(ctx context.Context, log types.Log, events chan<- models.EventRecord) error {
	record, err := w.rooms.ParseLog(log)
	if err != nil {
		if !errors.Is(err, ErrUnknownEvent) {
			w.logger.Warn("Failed to parse room event",
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err))
		}
		return nil
	}

	select {
	case events <- record:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
