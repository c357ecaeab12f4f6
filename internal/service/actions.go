package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"raceroom/internal/models"
	"raceroom/internal/store"
	"raceroom/internal/tracker"
)

// RoomContract sends the contract writes
type RoomContract interface {
	CreateRoom(ctx context.Context, roomID, prizePool, value *big.Int) (common.Hash, error)
	JoinRoom(ctx context.Context, roomID *big.Int) (common.Hash, error)
	DistributePrizes(ctx context.Context, roomID *big.Int, recipients []common.Address, amountEach *big.Int) (common.Hash, error)
	RevertReason(ctx context.Context, txHash common.Hash) (string, error)
}

// Wallet is the connected account session
type Wallet interface {
	Connect(ctx context.Context) (models.Account, error)
	Disconnect()
	CurrentAccount() (models.Account, bool)
}

// Journal persists submitted actions
type Journal interface {
	RecordAction(ctx context.Context, action *models.ActionRecord) error
	UpdateActionStatus(ctx context.Context, txHash string, status models.TxStatus, errMsg *string) error
	GetAction(ctx context.Context, txHash string) (*models.ActionRecord, error)
	ListActionsByAccount(ctx context.Context, account string, limit, offset int) ([]models.ActionRecord, error)
	ListActionsByRoom(ctx context.Context, roomID string, limit, offset int) ([]models.ActionRecord, error)
}

// Options tunes the action service
type Options struct {
	ConfirmationTimeout time.Duration
	// apply the expected effect at submission instead of at confirmation
	OptimisticOnSubmit bool
}

type inflightKey struct {
	kind   models.ActionKind
	roomID string
}

// ActionService validates and submits user actions, then follows each
// transaction to its outcome and reports it on the notifier
type ActionService struct {
	contract RoomContract
	wallet   Wallet
	tracker  *tracker.Tracker
	store    *store.Store
	journal  Journal
	notifier *Notifier
	opts     Options
	logger   *zap.Logger

	// lifetime of follow-up goroutines
	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[inflightKey]common.Hash
}

// NewActionService creates the service. journal may be nil.
func NewActionService(
	ctx context.Context,
	contract RoomContract,
	wallet Wallet,
	tr *tracker.Tracker,
	st *store.Store,
	journal Journal,
	notifier *Notifier,
	opts Options,
	logger *zap.Logger,
) *ActionService {
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 3 * time.Minute
	}
	return &ActionService{
		contract: contract,
		wallet:   wallet,
		tracker:  tr,
		store:    st,
		journal:  journal,
		notifier: notifier,
		opts:     opts,
		logger:   logger.Named("actions"),
		ctx:      ctx,
		inflight: make(map[inflightKey]common.Hash),
	}
}

// Connect asks the wallet for an account
func (s *ActionService) Connect(ctx context.Context) (models.Account, error) {
	account, err := s.wallet.Connect(ctx)
	if err != nil {
		s.publishError("", "", err)
		return models.Account{}, err
	}
	s.notifier.Publish(Message{
		Level: LevelSuccess,
		Text:  fmt.Sprintf("Connected %s", account.Address),
	})
	return account, nil
}

// Disconnect forgets the connected account
func (s *ActionService) Disconnect() {
	if _, ok := s.wallet.CurrentAccount(); !ok {
		return
	}
	s.wallet.Disconnect()
	s.notifier.Publish(Message{Level: LevelInfo, Text: "Wallet disconnected"})
}

// Account returns the connected account
func (s *ActionService) Account() (models.Account, bool) {
	return s.wallet.CurrentAccount()
}

// CreateRoom submits createEvent. The value sent must equal the prize pool.
func (s *ActionService) CreateRoom(ctx context.Context, req CreateRoomRequest) (models.PendingTransaction, error) {
	in, err := validateCreateRoom(req)
	if err != nil {
		return s.reject(models.ActionCreateRoom, req.RoomID, err)
	}

	effect := func(account models.Account) models.EventRecord {
		return models.EventRecord{
			Kind:      models.EventRoomCreated,
			Actor:     account.Hex(),
			PrizePool: in.prizePool,
		}
	}

	return s.submit(ctx, models.ActionCreateRoom, in.roomID, nil, effect, func(ctx context.Context) (common.Hash, error) {
		return s.contract.CreateRoom(ctx, in.roomID, in.prizePool, in.value)
	})
}

// JoinRoom submits joinEvent for the connected account
func (s *ActionService) JoinRoom(ctx context.Context, req JoinRoomRequest) (models.PendingTransaction, error) {
	roomID, err := validateJoinRoom(req)
	if err != nil {
		return s.reject(models.ActionJoinRoom, req.RoomID, err)
	}

	gate := func(acts models.RoomActions) error {
		if acts.IsParticipant {
			return models.NewValidationError("room_id", "already joined this room")
		}
		if !acts.CanJoin {
			return models.NewValidationError("room_id", "room is not open for joining")
		}
		return nil
	}

	effect := func(account models.Account) models.EventRecord {
		return models.EventRecord{Kind: models.EventPlayerJoined, Actor: account.Hex()}
	}

	return s.submit(ctx, models.ActionJoinRoom, roomID, gate, effect, func(ctx context.Context) (common.Hash, error) {
		return s.contract.JoinRoom(ctx, roomID)
	})
}

// DistributePrizes submits distributePrizes. Only the sponsor may call it.
func (s *ActionService) DistributePrizes(ctx context.Context, req DistributePrizesRequest) (models.PendingTransaction, error) {
	in, err := validateDistributePrizes(req)
	if err != nil {
		return s.reject(models.ActionDistributePrizes, req.RoomID, err)
	}

	gate := func(acts models.RoomActions) error {
		if !acts.IsSponsor {
			return models.NewValidationError("room_id", "only the sponsor can distribute prizes")
		}
		if !acts.CanDistribute {
			return models.NewValidationError("room_id", "prizes were already distributed")
		}
		return nil
	}

	effect := func(account models.Account) models.EventRecord {
		return models.EventRecord{
			Kind:       models.EventPrizesDistributed,
			Actor:      account.Hex(),
			Recipients: in.recipients,
			Amount:     in.amountEach,
		}
	}

	return s.submit(ctx, models.ActionDistributePrizes, in.roomID, gate, effect, func(ctx context.Context) (common.Hash, error) {
		return s.contract.DistributePrizes(ctx, in.roomID, in.recipients, in.amountEach)
	})
}

// submit runs the shared write flow: require an account, take the per
// (action, room) guard, send, then follow the transaction in the background
func (s *ActionService) submit(
	ctx context.Context,
	kind models.ActionKind,
	roomID *big.Int,
	gate func(models.RoomActions) error,
	effect func(models.Account) models.EventRecord,
	send func(context.Context) (common.Hash, error),
) (models.PendingTransaction, error) {
	room := roomID.String()

	account, ok := s.wallet.CurrentAccount()
	if !ok {
		return s.reject(kind, room, models.ErrNotConnected)
	}

	key := inflightKey{kind: kind, roomID: room}
	if !s.reserve(key) {
		return s.reject(kind, room, fmt.Errorf("%w: %s", models.ErrActionInProgress, describe(kind, room)))
	}

	// role gating only applies to rooms we already know exist
	if gate != nil {
		if view, known := s.store.Room(roomID); known && view.Exists {
			if err := gate(view.ActionsFor(account)); err != nil {
				s.release(key)
				return s.reject(kind, room, err)
			}
		}
	}

	hash, err := send(ctx)
	if err != nil {
		s.release(key)
		return s.reject(kind, room, err)
	}

	s.mu.Lock()
	s.inflight[key] = hash
	s.mu.Unlock()

	tx := s.tracker.Track(hash, kind, roomID)
	s.record(ctx, tx, account)

	s.notifier.Publish(Message{
		Level:  LevelInfo,
		Action: kind,
		RoomID: room,
		TxHash: hash.Hex(),
		Text:   fmt.Sprintf("%s submitted, waiting for confirmation", describe(kind, room)),
	})

	ev := effect(account)
	ev.RoomID = new(big.Int).Set(roomID)
	if s.opts.OptimisticOnSubmit {
		s.store.ApplyOptimistic(hash, ev)
	}

	s.wg.Add(1)
	go s.follow(key, tx, ev)

	return tx, nil
}

// follow waits for the terminal receipt. A timeout is reported and the wait
// continues; the guard is held until the outcome is known or the
// transaction is abandoned.
func (s *ActionService) follow(key inflightKey, tx models.PendingTransaction, ev models.EventRecord) {
	defer s.wg.Done()

	for {
		final, err := s.tracker.Wait(s.ctx, tx.Hash, s.opts.ConfirmationTimeout)
		if err == nil {
			s.settle(key, final, ev)
			return
		}
		if !errors.Is(err, models.ErrConfirmationTimeout) {
			// abandoned or shutting down
			return
		}

		s.logger.Warn("Transaction not confirmed yet",
			zap.String("tx_hash", tx.Hash.Hex()),
			zap.Duration("waited", s.opts.ConfirmationTimeout))
		s.notifier.Publish(Message{
			Level:     LevelWarning,
			Action:    tx.Kind,
			RoomID:    key.roomID,
			TxHash:    tx.Hash.Hex(),
			Text:      fmt.Sprintf("%s is still pending; it may still be mined", describe(tx.Kind, key.roomID)),
			ErrorKind: models.ErrorKindTimeout,
		})
	}
}

func (s *ActionService) settle(key inflightKey, final models.PendingTransaction, ev models.EventRecord) {
	hash := final.Hash

	switch final.Status {
	case models.TxStatusConfirmed:
		s.store.ApplyOptimistic(hash, ev)
		s.release(key)
		_ = s.tracker.Ack(hash)
		s.updateJournal(hash, models.TxStatusConfirmed, nil)

		s.notifier.Publish(Message{
			Level:  LevelSuccess,
			Action: final.Kind,
			RoomID: key.roomID,
			TxHash: hash.Hex(),
			Text:   succeeded(final.Kind, key.roomID),
		})

	case models.TxStatusFailed:
		s.store.Rollback(hash)

		reason, err := s.contract.RevertReason(s.ctx, hash)
		if err != nil {
			s.logger.Warn("Failed to fetch revert reason", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}
		revert := &models.RevertError{Reason: reason, TxHash: &hash}

		s.release(key)
		_ = s.tracker.Ack(hash)
		msg := revert.Error()
		s.updateJournal(hash, models.TxStatusFailed, &msg)

		s.logger.Warn("Transaction reverted",
			zap.String("tx_hash", hash.Hex()),
			zap.String("reason", reason))
		s.notifier.Publish(Message{
			Level:     LevelError,
			Action:    final.Kind,
			RoomID:    key.roomID,
			TxHash:    hash.Hex(),
			Text:      fmt.Sprintf("%s failed: %s", describe(final.Kind, key.roomID), revert.Error()),
			ErrorKind: models.ErrorKindRevert,
		})
	}
}

// Abandon stops following a pending transaction and frees its guard. The
// transaction may still be mined.
func (s *ActionService) Abandon(txHash string) (models.PendingTransaction, error) {
	hash, err := parseTxHash(txHash)
	if err != nil {
		return models.PendingTransaction{}, err
	}

	tx, err := s.tracker.Abandon(hash)
	if err != nil {
		return models.PendingTransaction{}, err
	}

	s.mu.Lock()
	for key, h := range s.inflight {
		if h == hash {
			delete(s.inflight, key)
		}
	}
	s.mu.Unlock()

	room := ""
	if tx.RoomID != nil {
		room = tx.RoomID.String()
	}
	s.notifier.Publish(Message{
		Level:  LevelWarning,
		Action: tx.Kind,
		RoomID: room,
		TxHash: hash.Hex(),
		Text:   fmt.Sprintf("Stopped tracking %s; it may still be mined", hash.Hex()),
	})

	return tx, nil
}

// GetRoom reads a room from the contract. When the read fails but a local
// view exists, the view is returned marked stale.
func (s *ActionService) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	id, err := models.ParseRoomID(roomID)
	if err != nil {
		return models.Room{}, err
	}

	room, err := s.store.Refresh(ctx, id)
	if err == nil {
		return room, nil
	}
	if room.ID != nil && room.Exists {
		return room, nil
	}
	return models.Room{}, err
}

// CachedRoom returns the local view without contacting the chain
func (s *ActionService) CachedRoom(roomID string) (models.Room, error) {
	id, err := models.ParseRoomID(roomID)
	if err != nil {
		return models.Room{}, err
	}
	room, ok := s.store.Room(id)
	if !ok {
		return models.Room{}, models.ErrRoomNotFound
	}
	return room, nil
}

// Rooms lists known rooms, optionally only those sponsored by sponsor
func (s *ActionService) Rooms(sponsor string) ([]models.Room, error) {
	rooms := s.store.Rooms()
	if sponsor == "" {
		return rooms, nil
	}

	addr, err := models.ParseAddress("sponsor", sponsor)
	if err != nil {
		return nil, err
	}
	filtered := rooms[:0]
	for _, r := range rooms {
		if r.Exists && r.Sponsor == addr {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// Permissions evaluates what the connected account may do in a room
func (s *ActionService) Permissions(ctx context.Context, roomID string) (models.Room, models.RoomActions, error) {
	room, err := s.CachedRoom(roomID)
	if errors.Is(err, models.ErrRoomNotFound) {
		room, err = s.GetRoom(ctx, roomID)
	}
	if err != nil {
		return models.Room{}, models.RoomActions{}, err
	}
	account, _ := s.wallet.CurrentAccount()
	return room, room.ActionsFor(account), nil
}

// Transaction returns a tracked transaction, falling back to the journal
// for transactions that already settled
func (s *ActionService) Transaction(ctx context.Context, txHash string) (models.PendingTransaction, error) {
	hash, err := parseTxHash(txHash)
	if err != nil {
		return models.PendingTransaction{}, err
	}
	if tx, ok := s.tracker.Get(hash); ok {
		return tx, nil
	}
	if s.journal == nil {
		return models.PendingTransaction{}, models.ErrTxNotTracked
	}

	rec, err := s.journal.GetAction(ctx, hash.Hex())
	if err != nil {
		return models.PendingTransaction{}, err
	}
	if rec == nil {
		return models.PendingTransaction{}, models.ErrTxNotTracked
	}
	return fromRecord(rec), nil
}

// Pending returns transactions awaiting a receipt
func (s *ActionService) Pending() []models.PendingTransaction {
	return s.tracker.Pending()
}

// AccountHistory lists journaled actions of an account, newest first
func (s *ActionService) AccountHistory(ctx context.Context, account string, limit, offset int) ([]models.ActionRecord, error) {
	addr, err := models.ParseAddress("address", account)
	if err != nil {
		return nil, err
	}
	if s.journal == nil {
		return []models.ActionRecord{}, nil
	}
	return s.journal.ListActionsByAccount(ctx, models.NormalizeAddress(addr), limit, offset)
}

// RoomHistory lists journaled actions of a room, newest first
func (s *ActionService) RoomHistory(ctx context.Context, roomID string, limit, offset int) ([]models.ActionRecord, error) {
	id, err := models.ParseRoomID(roomID)
	if err != nil {
		return nil, err
	}
	if s.journal == nil {
		return []models.ActionRecord{}, nil
	}
	return s.journal.ListActionsByRoom(ctx, id.String(), limit, offset)
}

// Messages returns the latest user-visible messages
func (s *ActionService) Messages(limit int) []Message {
	return s.notifier.Recent(limit)
}

// Notifier returns the message channel
func (s *ActionService) Notifier() *Notifier {
	return s.notifier
}

// Store returns the room read model
func (s *ActionService) Store() *store.Store {
	return s.store
}

// InFlight lists the guarded (action, room) pairs, for diagnostics
func (s *ActionService) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inflight))
	for key := range s.inflight {
		out = append(out, string(key.kind)+":"+key.roomID)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every follow-up goroutine has exited
func (s *ActionService) Wait() {
	s.wg.Wait()
}

func (s *ActionService) reserve(key inflightKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = common.Hash{}
	return true
}

func (s *ActionService) release(key inflightKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

// reject reports a failed action on the notifier and returns err
func (s *ActionService) reject(kind models.ActionKind, roomID string, err error) (models.PendingTransaction, error) {
	s.publishError(kind, roomID, err)
	return models.PendingTransaction{}, err
}

func (s *ActionService) publishError(kind models.ActionKind, roomID string, err error) {
	text := err.Error()
	if kind != "" {
		text = fmt.Sprintf("%s failed: %v", describe(kind, roomID), err)
	}
	s.notifier.Publish(Message{
		Level:     LevelError,
		Action:    kind,
		RoomID:    roomID,
		Text:      text,
		ErrorKind: models.Classify(err),
	})
}

func (s *ActionService) record(ctx context.Context, tx models.PendingTransaction, account models.Account) {
	if s.journal == nil {
		return
	}
	rec := &models.ActionRecord{
		TxHash:      tx.Hash.Hex(),
		Kind:        tx.Kind,
		RoomID:      tx.RoomID.String(),
		Account:     account.Address,
		Status:      models.TxStatusPending,
		SubmittedAt: tx.SubmittedAt,
		UpdatedAt:   tx.SubmittedAt,
	}
	if err := s.journal.RecordAction(ctx, rec); err != nil {
		s.logger.Error("Failed to journal action", zap.String("tx_hash", rec.TxHash), zap.Error(err))
	}
}

func (s *ActionService) updateJournal(hash common.Hash, status models.TxStatus, errMsg *string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.UpdateActionStatus(s.ctx, hash.Hex(), status, errMsg); err != nil {
		s.logger.Error("Failed to update journaled action", zap.String("tx_hash", hash.Hex()), zap.Error(err))
	}
}

func fromRecord(rec *models.ActionRecord) models.PendingTransaction {
	tx := models.PendingTransaction{
		Hash:        common.HexToHash(rec.TxHash),
		Kind:        rec.Kind,
		Status:      rec.Status,
		SubmittedAt: rec.SubmittedAt,
	}
	if id, ok := new(big.Int).SetString(rec.RoomID, 10); ok {
		tx.RoomID = id
	}
	if rec.Status.Terminal() {
		at := rec.UpdatedAt
		tx.ResolvedAt = &at
	}
	if rec.ErrorMessage != nil {
		tx.Error = *rec.ErrorMessage
	}
	return tx
}

func parseTxHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return common.Hash{}, models.NewValidationError("tx_hash", "must be a 0x-prefixed 32-byte hex string")
	}
	if _, err := hexutil.Decode(s); err != nil {
		return common.Hash{}, models.NewValidationError("tx_hash", "must be a 0x-prefixed 32-byte hex string")
	}
	return common.HexToHash(s), nil
}

func describe(kind models.ActionKind, roomID string) string {
	switch kind {
	case models.ActionCreateRoom:
		return "Create room #" + roomID
	case models.ActionJoinRoom:
		return "Join room #" + roomID
	case models.ActionDistributePrizes:
		return "Distribute prizes for room #" + roomID
	default:
		return string(kind)
	}
}

func succeeded(kind models.ActionKind, roomID string) string {
	switch kind {
	case models.ActionCreateRoom:
		return "Room #" + roomID + " created"
	case models.ActionJoinRoom:
		return "Joined room #" + roomID
	case models.ActionDistributePrizes:
		return "Prizes distributed for room #" + roomID
	default:
		return string(kind) + " confirmed"
	}
}
