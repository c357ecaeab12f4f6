package tracker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"raceroom/internal/models"
)

// ReceiptReader fetches transaction receipts
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Tracker follows submitted transactions until their receipt is mined.
// Status only moves from PENDING to a terminal status, never back.
type Tracker struct {
	reader       ReceiptReader
	pollInterval time.Duration
	limiter      *rate.Limiter
	logger       *zap.Logger
	now          func() time.Time

	mu      sync.Mutex
	entries map[common.Hash]*entry
}

type entry struct {
	tx      models.PendingTransaction
	done    chan struct{} // closed on terminal status
	gone    chan struct{} // closed on abandon
	subs    map[int]chan models.PendingTransaction
	nextSub int
}

// New creates a tracker polling every pollInterval with at most rps receipt
// requests per second. rps <= 0 disables the limit.
func New(reader ReceiptReader, pollInterval time.Duration, rps float64, logger *zap.Logger) *Tracker {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Tracker{
		reader:       reader,
		pollInterval: pollInterval,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger.Named("tracker"),
		now:          time.Now,
		entries:      make(map[common.Hash]*entry),
	}
}

// Track starts following hash. Tracking an already known hash returns the
// existing entry unchanged.
func (t *Tracker) Track(hash common.Hash, kind models.ActionKind, roomID *big.Int) models.PendingTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[hash]; ok {
		return snapshot(e.tx)
	}

	var id *big.Int
	if roomID != nil {
		id = new(big.Int).Set(roomID)
	}
	e := &entry{
		tx: models.PendingTransaction{
			Hash:        hash,
			Kind:        kind,
			RoomID:      id,
			Status:      models.TxStatusPending,
			SubmittedAt: t.now(),
		},
		done: make(chan struct{}),
		gone: make(chan struct{}),
		subs: make(map[int]chan models.PendingTransaction),
	}
	t.entries[hash] = e

	t.logger.Info("Tracking transaction",
		zap.String("tx_hash", hash.Hex()),
		zap.String("kind", string(kind)))

	return snapshot(e.tx)
}

// Get returns the tracked transaction
func (t *Tracker) Get(hash common.Hash) (models.PendingTransaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[hash]
	if !ok {
		return models.PendingTransaction{}, false
	}
	return snapshot(e.tx), true
}

// Pending returns all transactions still awaiting a receipt, oldest first
func (t *Tracker) Pending() []models.PendingTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []models.PendingTransaction
	for _, e := range t.entries {
		if e.tx.Status == models.TxStatusPending {
			out = append(out, snapshot(e.tx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Run polls receipts until ctx is done
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}

// Poll checks the receipt of every pending transaction once
func (t *Tracker) Poll(ctx context.Context) {
	for _, tx := range t.Pending() {
		if err := t.limiter.Wait(ctx); err != nil {
			return
		}

		receipt, err := t.reader.TransactionReceipt(ctx, tx.Hash)
		if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
			continue
		}
		if err != nil {
			// transient; the next poll retries
			t.logger.Debug("Failed to get receipt",
				zap.String("tx_hash", tx.Hash.Hex()),
				zap.Error(err))
			continue
		}

		t.resolve(tx.Hash, receipt)
	}
}

func (t *Tracker) resolve(hash common.Hash, receipt *types.Receipt) {
	status := models.TxStatusConfirmed
	msg := ""
	if receipt.Status != types.ReceiptStatusSuccessful {
		status = models.TxStatusFailed
		msg = "execution reverted"
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	if t.finish(hash, status, block, msg) {
		t.logger.Info("Transaction resolved",
			zap.String("tx_hash", hash.Hex()),
			zap.String("status", string(status)),
			zap.Uint64("block_number", block))
	}
}

// MarkFailed resolves a pending transaction as failed without a receipt
func (t *Tracker) MarkFailed(hash common.Hash, cause error) bool {
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	return t.finish(hash, models.TxStatusFailed, 0, msg)
}

// finish moves a pending entry to a terminal status. It reports false if the
// entry is unknown or already terminal.
func (t *Tracker) finish(hash common.Hash, status models.TxStatus, block uint64, msg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hash]
	if !ok || e.tx.Status.Terminal() {
		return false
	}

	now := t.now()
	e.tx.Status = status
	e.tx.ResolvedAt = &now
	e.tx.BlockNumber = block
	e.tx.Error = msg
	close(e.done)

	final := snapshot(e.tx)
	for id, ch := range e.subs {
		ch <- final
		close(ch)
		delete(e.subs, id)
	}
	return true
}

// Wait blocks until hash reaches a terminal status. On timeout it returns the
// still pending transaction with ErrConfirmationTimeout.
func (t *Tracker) Wait(ctx context.Context, hash common.Hash, timeout time.Duration) (models.PendingTransaction, error) {
	t.mu.Lock()
	e, ok := t.entries[hash]
	t.mu.Unlock()
	if !ok {
		return models.PendingTransaction{}, models.ErrTxNotTracked
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		return t.current(e), nil
	case <-e.gone:
		return t.current(e), models.ErrTxNotTracked
	case <-timer.C:
		return t.current(e), fmt.Errorf("%w: %s still pending after %s", models.ErrConfirmationTimeout, hash.Hex(), timeout)
	case <-ctx.Done():
		return t.current(e), ctx.Err()
	}
}

func (t *Tracker) current(e *entry) models.PendingTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshot(e.tx)
}

// Subscribe delivers the terminal status of hash, then closes the channel
func (t *Tracker) Subscribe(hash common.Hash) (<-chan models.PendingTransaction, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hash]
	if !ok {
		return nil, nil, models.ErrTxNotTracked
	}

	ch := make(chan models.PendingTransaction, 1)
	if e.tx.Status.Terminal() {
		ch <- snapshot(e.tx)
		close(ch)
		return ch, func() {}, nil
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}, nil
}

// Ack drops a terminal transaction once its outcome was surfaced
func (t *Tracker) Ack(hash common.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hash]
	if !ok {
		return models.ErrTxNotTracked
	}
	if !e.tx.Status.Terminal() {
		return fmt.Errorf("transaction %s is still pending", hash.Hex())
	}
	delete(t.entries, hash)
	return nil
}

// Abandon stops tracking hash whatever its status. The transaction may still
// be mined; nothing is rolled back.
func (t *Tracker) Abandon(hash common.Hash) (models.PendingTransaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hash]
	if !ok {
		return models.PendingTransaction{}, models.ErrTxNotTracked
	}
	delete(t.entries, hash)
	close(e.gone)
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}

	t.logger.Info("Stopped tracking transaction", zap.String("tx_hash", hash.Hex()))
	return snapshot(e.tx), nil
}

func snapshot(tx models.PendingTransaction) models.PendingTransaction {
	out := tx
	if tx.RoomID != nil {
		out.RoomID = new(big.Int).Set(tx.RoomID)
	}
	if tx.ResolvedAt != nil {
		at := *tx.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}
