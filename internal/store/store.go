package store

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"raceroom/internal/models"
)

// RoomReader performs authoritative room reads
type RoomReader interface {
	GetRoom(ctx context.Context, roomID *big.Int) (*models.Room, error)
}

// Store is the local read model of every known room.
//
// A room's view is recomputed as: last authoritative snapshot, folded with
// the room's chain events in arrival order, folded with optimistic overlays
// of confirmed local transactions whose events have not arrived yet. Folding
// never lowers a status and only adds participants, so replaying or
// reordering events across rooms yields the same views. A room's status
// never drops below the highest status its chain reads and events reached.
type Store struct {
	reader  RoomReader
	variant models.RoomVariant
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	rooms   map[string]*roomEntry
	subs    map[int]chan models.Room
	nextSub int

	backfills chan *big.Int
}

type roomEntry struct {
	id       *big.Int
	snapshot *models.Room
	events   []models.EventRecord
	seen     map[models.EventKey]struct{}
	overlays []overlay
	view     models.Room
	stale    bool
	// highest status backed by the chain or by a settled overlay; a lagging
	// read never takes the view below it
	floor models.RoomStatus
	// backfill queued and not yet served
	backfillQueued bool
}

type overlay struct {
	txHash    common.Hash
	event     models.EventRecord
	appliedAt time.Time
}

// New creates a store. rps limits authoritative reads; rps <= 0 disables the limit.
func New(reader RoomReader, variant models.RoomVariant, rps float64, logger *zap.Logger) *Store {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		if int(rps) > burst {
			burst = int(rps)
		}
	}
	return &Store{
		reader:    reader,
		variant:   variant,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger.Named("store"),
		now:       time.Now,
		rooms:     make(map[string]*roomEntry),
		subs:      make(map[int]chan models.Room),
		backfills: make(chan *big.Int, 256),
	}
}

// Apply folds a chain event into its room. It reports whether the room view
// changed. Duplicate events are ignored; removed (reorged) events are taken
// back out and the room is queued for a fresh read.
func (s *Store) Apply(ev models.EventRecord) bool {
	if ev.RoomID == nil {
		return false
	}

	s.mu.Lock()
	key := ev.Key()

	if ev.Removed {
		e, ok := s.rooms[ev.RoomID.String()]
		if !ok {
			s.mu.Unlock()
			return false
		}
		if _, ok := e.seen[key]; !ok {
			s.mu.Unlock()
			return false
		}
		delete(e.seen, key)
		for i := range e.events {
			if e.events[i].Key() == key {
				e.events = append(e.events[:i], e.events[i+1:]...)
				break
			}
		}
		view, changed := s.recompute(e)
		backfill := s.queueBackfill(e)
		s.mu.Unlock()

		s.logger.Info("Reverted removed event",
			zap.String("room_id", ev.RoomID.String()),
			zap.String("kind", string(ev.Kind)),
			zap.String("tx_hash", ev.TxHash.Hex()))
		s.after(view, changed, backfill)
		return changed
	}

	e, created := s.entry(ev.RoomID)
	if _, ok := e.seen[key]; ok {
		s.mu.Unlock()
		return false
	}
	e.seen[key] = struct{}{}
	e.events = append(e.events, ev)
	e.overlays = dropOverlay(e.overlays, ev.TxHash)

	var backfill *big.Int
	if created && ev.Kind != models.EventRoomCreated {
		// an event arrived ahead of the room's creation
		backfill = s.queueBackfill(e)
	}

	view, changed := s.recompute(e)
	s.mu.Unlock()

	s.after(view, changed, backfill)
	return changed
}

// ApplyOptimistic records the expected effect of a confirmed local
// transaction until the matching chain event arrives
func (s *Store) ApplyOptimistic(txHash common.Hash, ev models.EventRecord) bool {
	if ev.RoomID == nil {
		return false
	}

	s.mu.Lock()
	e, created := s.entry(ev.RoomID)

	for _, o := range e.overlays {
		if o.txHash == txHash {
			s.mu.Unlock()
			return false
		}
	}
	for _, applied := range e.events {
		if applied.TxHash == txHash {
			// chain event already folded in
			s.mu.Unlock()
			return false
		}
	}

	ev.TxHash = txHash
	e.overlays = append(e.overlays, overlay{txHash: txHash, event: ev, appliedAt: s.now()})

	var backfill *big.Int
	if created && ev.Kind != models.EventRoomCreated {
		backfill = s.queueBackfill(e)
	}

	view, changed := s.recompute(e)
	s.mu.Unlock()

	s.after(view, changed, backfill)
	return changed
}

// Rollback removes the optimistic overlay of txHash
func (s *Store) Rollback(txHash common.Hash) bool {
	s.mu.Lock()
	for _, e := range s.rooms {
		before := len(e.overlays)
		e.overlays = dropOverlay(e.overlays, txHash)
		if len(e.overlays) == before {
			continue
		}
		view, changed := s.recompute(e)
		s.mu.Unlock()

		s.logger.Info("Rolled back optimistic update",
			zap.String("room_id", view.ID.String()),
			zap.String("tx_hash", txHash.Hex()))
		s.after(view, changed, nil)
		return true
	}
	s.mu.Unlock()
	return false
}

// Refresh reads the room from the contract and makes the result the room's
// snapshot. A failed read marks the room stale; it never deletes it.
func (s *Store) Refresh(ctx context.Context, roomID *big.Int) (models.Room, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return models.Room{}, err
	}

	room, err := s.reader.GetRoom(ctx, roomID)
	if err != nil {
		return s.markStale(roomID, err)
	}

	s.mu.Lock()
	e, _ := s.entry(roomID)
	snap := room.Clone()
	e.snapshot = &snap
	e.stale = false
	e.backfillQueued = false
	view, changed := s.recompute(e)
	s.mu.Unlock()

	s.after(view, changed, nil)
	return view.Clone(), nil
}

func (s *Store) markStale(roomID *big.Int, cause error) (models.Room, error) {
	s.mu.Lock()
	e, ok := s.rooms[roomID.String()]
	if !ok {
		s.mu.Unlock()
		return models.Room{}, cause
	}
	e.backfillQueued = false
	if errors.Is(cause, models.ErrRoomNotFound) && !e.view.Exists {
		// nothing on chain and nothing local says otherwise
		s.mu.Unlock()
		return models.Room{}, cause
	}
	e.stale = true
	view, changed := s.recompute(e)
	s.mu.Unlock()

	s.logger.Warn("Room read failed, keeping stale view",
		zap.String("room_id", roomID.String()),
		zap.Error(cause))
	s.after(view, changed, nil)
	return view.Clone(), cause
}

// Backfill refreshes a room, discarding the view
func (s *Store) Backfill(ctx context.Context, roomID *big.Int) error {
	_, err := s.Refresh(ctx, roomID)
	return err
}

// Backfills returns the queue of rooms awaiting an authoritative read
func (s *Store) Backfills() <-chan *big.Int {
	return s.backfills
}

// RunBackfills serves the backfill queue until ctx is done
func (s *Store) RunBackfills(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s.backfills:
			if err := s.Backfill(ctx, id); err != nil && ctx.Err() == nil {
				s.logger.Warn("Backfill failed",
					zap.String("room_id", id.String()),
					zap.Error(err))
			}
		}
	}
}

// Reconcile refreshes stale rooms and rooms holding overlays older than ttl.
// After a successful read the old overlays are dropped since the snapshot
// now reflects the chain. It returns the number of rooms refreshed.
func (s *Store) Reconcile(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl)

	s.mu.RLock()
	var due []*big.Int
	for _, e := range s.rooms {
		if e.stale || hasOverlayBefore(e.overlays, cutoff) {
			due = append(due, new(big.Int).Set(e.id))
		}
	}
	s.mu.RUnlock()

	refreshed := 0
	var firstErr error
	for _, id := range due {
		if _, err := s.Refresh(ctx, id); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		refreshed++

		s.mu.Lock()
		e := s.rooms[id.String()]
		// the read may lag the dropped effects; keep the status they reached
		reached := models.Room{Status: e.floor}
		kept := e.overlays[:0]
		for _, o := range e.overlays {
			if o.appliedAt.After(cutoff) {
				kept = append(kept, o)
				continue
			}
			s.fold(&reached, o.event)
		}
		e.floor = reached.Status
		e.overlays = kept
		view, changed := s.recompute(e)
		s.mu.Unlock()
		s.after(view, changed, nil)
	}

	return refreshed, firstErr
}

// Room returns the current view of a room
func (s *Store) Room(roomID *big.Int) (models.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rooms[roomID.String()]
	if !ok {
		return models.Room{}, false
	}
	return e.view.Clone(), true
}

// Rooms returns every known room ordered by id
func (s *Store) Rooms() []models.Room {
	s.mu.RLock()
	out := make([]models.Room, 0, len(s.rooms))
	for _, e := range s.rooms {
		out = append(out, e.view.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Cmp(out[j].ID) < 0
	})
	return out
}

// PendingOverlays returns the number of optimistic overlays awaiting their event
func (s *Store) PendingOverlays() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.rooms {
		n += len(e.overlays)
	}
	return n
}

// Subscribe registers a listener for room view changes
func (s *Store) Subscribe() (<-chan models.Room, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan models.Room, 64)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// entry returns the room entry, creating a placeholder when unseen.
// Callers hold s.mu.
func (s *Store) entry(roomID *big.Int) (*roomEntry, bool) {
	key := roomID.String()
	if e, ok := s.rooms[key]; ok {
		return e, false
	}
	e := &roomEntry{
		id:   new(big.Int).Set(roomID),
		seen: make(map[models.EventKey]struct{}),
	}
	e.view = s.base(e)
	s.rooms[key] = e
	return e, true
}

// queueBackfill marks e for an authoritative read. Callers hold s.mu.
func (s *Store) queueBackfill(e *roomEntry) *big.Int {
	if e.backfillQueued {
		return nil
	}
	e.backfillQueued = true
	return new(big.Int).Set(e.id)
}

// after publishes a changed view and enqueues a backfill outside the lock
func (s *Store) after(view models.Room, changed bool, backfill *big.Int) {
	if backfill != nil {
		select {
		case s.backfills <- backfill:
		default:
			s.logger.Warn("Backfill queue full", zap.String("room_id", backfill.String()))
			s.mu.Lock()
			if e, ok := s.rooms[backfill.String()]; ok {
				e.backfillQueued = false
			}
			s.mu.Unlock()
		}
	}

	if !changed {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- view.Clone():
		default:
			s.logger.Warn("Dropping room update for slow listener", zap.String("room_id", view.ID.String()))
		}
	}
}

func (s *Store) base(e *roomEntry) models.Room {
	if e.snapshot != nil {
		return e.snapshot.Clone()
	}
	return models.Room{
		ID:     new(big.Int).Set(e.id),
		Status: s.variant.InitialStatus(),
	}
}

// recompute rebuilds the view of e. Callers hold s.mu.
func (s *Store) recompute(e *roomEntry) (models.Room, bool) {
	view := s.base(e)
	for _, ev := range e.events {
		s.fold(&view, ev)
	}
	raise(&view, e.floor)
	e.floor = view.Status
	for _, o := range e.overlays {
		s.fold(&view, o.event)
	}
	view.Stale = e.stale

	changed := !sameRoom(e.view, view)
	if changed {
		view.UpdatedAt = s.now()
	} else {
		view.UpdatedAt = e.view.UpdatedAt
	}
	e.view = view
	return view.Clone(), changed
}

func (s *Store) fold(view *models.Room, ev models.EventRecord) {
	switch ev.Kind {
	case models.EventRoomCreated:
		view.Exists = true
		if view.Sponsor == (common.Address{}) {
			view.Sponsor = ev.Actor
		}
		if view.PrizePool == nil && ev.PrizePool != nil {
			view.PrizePool = new(big.Int).Set(ev.PrizePool)
		}
	case models.EventPlayerJoined:
		addParticipant(view, ev.Actor)
	case models.EventRaceStarted:
		if s.variant == models.RoomVariantRacing {
			raise(view, models.RoomStatusActive)
		}
	case models.EventRaceEnded:
		raise(view, s.variant.FinalStatus())
		if ev.Actor != (common.Address{}) {
			w := ev.Actor
			view.Winner = &w
		}
	case models.EventPrizesDistributed:
		raise(view, s.variant.FinalStatus())
		if view.Winner == nil && len(ev.Recipients) == 1 {
			w := ev.Recipients[0]
			view.Winner = &w
		}
	}
}

func raise(view *models.Room, status models.RoomStatus) {
	if status.Rank() > view.Status.Rank() {
		view.Status = status
	}
}

func addParticipant(view *models.Room, addr common.Address) {
	if addr == (common.Address{}) || view.HasParticipant(addr) {
		return
	}
	view.Participants = append(view.Participants, addr)
}

func dropOverlay(overlays []overlay, txHash common.Hash) []overlay {
	for i, o := range overlays {
		if o.txHash == txHash {
			return append(overlays[:i], overlays[i+1:]...)
		}
	}
	return overlays
}

func hasOverlayBefore(overlays []overlay, cutoff time.Time) bool {
	for _, o := range overlays {
		if !o.appliedAt.After(cutoff) {
			return true
		}
	}
	return false
}

func sameRoom(a, b models.Room) bool {
	if a.Exists != b.Exists || a.Status != b.Status || a.Stale != b.Stale || a.Sponsor != b.Sponsor {
		return false
	}
	if !sameInt(a.ID, b.ID) || !sameInt(a.PrizePool, b.PrizePool) {
		return false
	}
	if (a.Winner == nil) != (b.Winner == nil) || (a.Winner != nil && *a.Winner != *b.Winner) {
		return false
	}
	if len(a.Participants) != len(b.Participants) {
		return false
	}
	for i := range a.Participants {
		if a.Participants[i] != b.Participants[i] {
			return false
		}
	}
	return true
}

func sameInt(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
