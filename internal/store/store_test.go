package store

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raceroom/internal/models"
)

var (
	sponsor = common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	bob     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeReader struct {
	mu    sync.Mutex
	rooms map[string]*models.Room
	err   error
	reads int
}

func newFakeReader() *fakeReader {
	return &fakeReader{rooms: make(map[string]*models.Room)}
}

func (f *fakeReader) GetRoom(ctx context.Context, roomID *big.Int) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.rooms[roomID.String()]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	out := r.Clone()
	return &out, nil
}

func (f *fakeReader) set(room models.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ID.String()] = &room
}

func newTestStore(reader RoomReader) *Store {
	return New(reader, models.RoomVariantRacing, 0, zap.NewNop())
}

func hash(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n))
}

func created(room int64, tx int64) models.EventRecord {
	return models.EventRecord{
		Kind: models.EventRoomCreated, RoomID: big.NewInt(room), Actor: sponsor,
		PrizePool: big.NewInt(1000), TxHash: hash(tx), BlockNumber: uint64(tx),
	}
}

func joined(room int64, player common.Address, tx int64) models.EventRecord {
	return models.EventRecord{
		Kind: models.EventPlayerJoined, RoomID: big.NewInt(room), Actor: player,
		TxHash: hash(tx), BlockNumber: uint64(tx),
	}
}

func started(room int64, tx int64) models.EventRecord {
	return models.EventRecord{Kind: models.EventRaceStarted, RoomID: big.NewInt(room), Actor: sponsor, TxHash: hash(tx)}
}

func ended(room int64, winner common.Address, tx int64) models.EventRecord {
	return models.EventRecord{Kind: models.EventRaceEnded, RoomID: big.NewInt(room), Actor: winner, TxHash: hash(tx)}
}

func TestApplyBuildsRoom(t *testing.T) {
	s := newTestStore(newFakeReader())

	assert.True(t, s.Apply(created(101, 1)))
	assert.True(t, s.Apply(joined(101, alice, 2)))

	room, ok := s.Room(big.NewInt(101))
	require.True(t, ok)
	assert.True(t, room.Exists)
	assert.Equal(t, sponsor, room.Sponsor)
	assert.Equal(t, int64(1000), room.PrizePool.Int64())
	assert.Equal(t, models.RoomStatusCreated, room.Status)
	assert.Equal(t, []common.Address{alice}, room.Participants)
	assert.Empty(t, s.Backfills())
}

func TestApplyIsIdempotent(t *testing.T) {
	s := newTestStore(newFakeReader())
	events := []models.EventRecord{created(101, 1), joined(101, alice, 2), started(101, 3), ended(101, alice, 4)}

	for _, ev := range events {
		s.Apply(ev)
	}
	first, _ := s.Room(big.NewInt(101))

	for _, ev := range events {
		assert.False(t, s.Apply(ev))
	}
	second, _ := s.Room(big.NewInt(101))

	assert.Equal(t, first, second)
	assert.Len(t, second.Participants, 1)
}

func TestRoomsAreIndependent(t *testing.T) {
	a := []models.EventRecord{created(1, 10), joined(1, alice, 11), joined(1, bob, 12)}
	b := []models.EventRecord{created(2, 20), joined(2, bob, 21), started(2, 22)}

	s1 := newTestStore(newFakeReader())
	for _, ev := range append(append([]models.EventRecord{}, a...), b...) {
		s1.Apply(ev)
	}

	s2 := newTestStore(newFakeReader())
	for i := range a {
		s2.Apply(b[i])
		s2.Apply(a[i])
	}

	for _, id := range []int64{1, 2} {
		r1, _ := s1.Room(big.NewInt(id))
		r2, _ := s2.Room(big.NewInt(id))
		r1.UpdatedAt, r2.UpdatedAt = time.Time{}, time.Time{}
		assert.Equal(t, r1, r2, "room %d", id)
	}

	rooms := s1.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, int64(1), rooms[0].ID.Int64())
	assert.Equal(t, int64(2), rooms[1].ID.Int64())
}

func TestStatusNeverRegresses(t *testing.T) {
	s := newTestStore(newFakeReader())
	s.Apply(created(101, 1))
	s.Apply(ended(101, alice, 2))
	s.Apply(started(101, 3))

	room, _ := s.Room(big.NewInt(101))
	assert.Equal(t, models.RoomStatusEnded, room.Status)
	require.NotNil(t, room.VisibleWinner())
	assert.Equal(t, alice, *room.VisibleWinner())
}

func TestParticipantsCompareCaseInsensitively(t *testing.T) {
	s := newTestStore(newFakeReader())
	s.Apply(created(101, 1))

	lower := common.HexToAddress("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd")
	mixed := common.HexToAddress("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD")
	s.Apply(joined(101, lower, 2))
	s.Apply(joined(101, mixed, 3))

	room, _ := s.Room(big.NewInt(101))
	assert.Len(t, room.Participants, 1)
}

func TestOutOfOrderEventTriggersBackfill(t *testing.T) {
	reader := newFakeReader()
	reader.set(models.Room{
		ID: big.NewInt(7), Sponsor: sponsor, PrizePool: big.NewInt(500), Exists: true,
		Status: models.RoomStatusEnded, Participants: []common.Address{alice},
	})
	s := newTestStore(reader)

	s.Apply(ended(7, alice, 5))

	// the event is kept while the room is unknown
	placeholder, ok := s.Room(big.NewInt(7))
	require.True(t, ok)
	assert.False(t, placeholder.Exists)
	assert.Equal(t, models.RoomStatusEnded, placeholder.Status)

	var queued *big.Int
	select {
	case queued = <-s.Backfills():
	default:
		t.Fatal("no backfill queued")
	}
	assert.Equal(t, int64(7), queued.Int64())

	// a second orphan event does not queue another read
	s.Apply(joined(7, bob, 6))
	assert.Empty(t, s.Backfills())

	require.NoError(t, s.Backfill(context.Background(), queued))
	room, _ := s.Room(big.NewInt(7))
	assert.True(t, room.Exists)
	assert.Equal(t, sponsor, room.Sponsor)
	assert.Equal(t, models.RoomStatusEnded, room.Status)
	assert.Equal(t, []common.Address{alice, bob}, room.Participants)
	assert.False(t, room.Stale)
}

func TestOptimisticOverlayReplacedByEvent(t *testing.T) {
	s := newTestStore(newFakeReader())
	s.Apply(created(101, 1))

	join := joined(101, alice, 0)
	assert.True(t, s.ApplyOptimistic(hash(2), join))
	assert.Equal(t, 1, s.PendingOverlays())

	withOverlay, _ := s.Room(big.NewInt(101))
	assert.Equal(t, []common.Address{alice}, withOverlay.Participants)

	// the real event for the same transaction lands: view unchanged, overlay gone
	assert.False(t, s.Apply(joined(101, alice, 2)))
	assert.Equal(t, 0, s.PendingOverlays())
	after, _ := s.Room(big.NewInt(101))
	assert.Equal(t, []common.Address{alice}, after.Participants)

	// an overlay for a transaction already seen on chain is ignored
	assert.False(t, s.ApplyOptimistic(hash(2), join))
	assert.Equal(t, 0, s.PendingOverlays())
}

func TestRollbackRemovesOverlay(t *testing.T) {
	s := newTestStore(newFakeReader())
	s.Apply(created(101, 1))

	s.ApplyOptimistic(hash(9), joined(101, bob, 0))
	room, _ := s.Room(big.NewInt(101))
	assert.True(t, room.HasParticipant(bob))

	assert.True(t, s.Rollback(hash(9)))
	room, _ = s.Room(big.NewInt(101))
	assert.False(t, room.HasParticipant(bob))
	assert.False(t, s.Rollback(hash(9)))
}

func TestRefreshFailureMarksStale(t *testing.T) {
	reader := newFakeReader()
	s := newTestStore(reader)
	s.Apply(created(101, 1))
	s.Apply(joined(101, alice, 2))

	reader.err = errors.New("connection refused")
	room, err := s.Refresh(context.Background(), big.NewInt(101))
	require.Error(t, err)
	assert.True(t, room.Stale)

	kept, ok := s.Room(big.NewInt(101))
	require.True(t, ok)
	assert.True(t, kept.Stale)
	assert.Equal(t, []common.Address{alice}, kept.Participants)
}

func TestRefreshUnknownRoom(t *testing.T) {
	s := newTestStore(newFakeReader())

	_, err := s.Refresh(context.Background(), big.NewInt(999))
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
	_, ok := s.Room(big.NewInt(999))
	assert.False(t, ok)
}

func TestRemovedEventIsReverted(t *testing.T) {
	s := newTestStore(newFakeReader())
	s.Apply(created(101, 1))
	join := joined(101, bob, 2)
	s.Apply(join)

	join.Removed = true
	assert.True(t, s.Apply(join))

	room, _ := s.Room(big.NewInt(101))
	assert.False(t, room.HasParticipant(bob))
	select {
	case id := <-s.Backfills():
		assert.Equal(t, int64(101), id.Int64())
	default:
		t.Fatal("reorg did not queue a refresh")
	}
}

func TestReconcileDropsExpiredOverlays(t *testing.T) {
	reader := newFakeReader()
	reader.set(models.Room{
		ID: big.NewInt(101), Sponsor: sponsor, PrizePool: big.NewInt(1000), Exists: true,
		Status: models.RoomStatusCreated,
	})
	s := newTestStore(reader)
	s.Apply(created(101, 1))

	clock := time.Now()
	s.now = func() time.Time { return clock }
	s.ApplyOptimistic(hash(5), joined(101, bob, 0))

	n, err := s.Reconcile(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, s.PendingOverlays())

	clock = clock.Add(2 * time.Minute)
	n, err = s.Reconcile(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.PendingOverlays())

	room, _ := s.Room(big.NewInt(101))
	assert.False(t, room.HasParticipant(bob))
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := newTestStore(newFakeReader())
	updates, cancel := s.Subscribe()
	defer cancel()

	s.Apply(created(101, 1))
	s.Apply(created(101, 1))

	select {
	case room := <-updates:
		assert.Equal(t, int64(101), room.ID.Int64())
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	assert.Empty(t, updates)
}

func TestRunBackfills(t *testing.T) {
	reader := newFakeReader()
	reader.set(models.Room{ID: big.NewInt(3), Sponsor: sponsor, Exists: true, Status: models.RoomStatusActive})
	s := newTestStore(reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunBackfills(ctx)

	s.Apply(joined(3, alice, 1))

	require.Eventually(t, func() bool {
		room, _ := s.Room(big.NewInt(3))
		return room.Exists && room.Status == models.RoomStatusActive
	}, time.Second, 5*time.Millisecond)
}

func TestLaggingReadNeverLowersStatus(t *testing.T) {
	reader := newFakeReader()
	reader.set(models.Room{ID: big.NewInt(101), Sponsor: sponsor, Exists: true, Status: models.RoomStatusActive})
	s := newTestStore(reader)

	room, err := s.Refresh(context.Background(), big.NewInt(101))
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusActive, room.Status)

	// a node behind the previous one
	reader.set(models.Room{ID: big.NewInt(101), Sponsor: sponsor, Exists: true, Status: models.RoomStatusCreated})
	room, err = s.Refresh(context.Background(), big.NewInt(101))
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusActive, room.Status)

	kept, _ := s.Room(big.NewInt(101))
	assert.Equal(t, models.RoomStatusActive, kept.Status)
}

func TestReconcileKeepsStatusOfDroppedOverlay(t *testing.T) {
	reader := newFakeReader()
	reader.set(models.Room{ID: big.NewInt(101), Sponsor: sponsor, Exists: true, Status: models.RoomStatusCreated})
	s := newTestStore(reader)
	s.Apply(created(101, 1))

	clock := time.Now()
	s.now = func() time.Time { return clock }
	s.ApplyOptimistic(hash(7), models.EventRecord{
		Kind: models.EventPrizesDistributed, RoomID: big.NewInt(101), Actor: sponsor,
		Recipients: []common.Address{alice, bob}, Amount: big.NewInt(10),
	})
	room, _ := s.Room(big.NewInt(101))
	require.Equal(t, models.RoomStatusEnded, room.Status)

	n, err := s.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.PendingOverlays())

	room, _ = s.Room(big.NewInt(101))
	assert.Equal(t, models.RoomStatusEnded, room.Status)
}

func TestRollbackLowersUnsettledOverlayStatus(t *testing.T) {
	s := newTestStore(newFakeReader())
	s.Apply(created(101, 1))

	s.ApplyOptimistic(hash(8), started(101, 0))
	room, _ := s.Room(big.NewInt(101))
	require.Equal(t, models.RoomStatusActive, room.Status)

	require.True(t, s.Rollback(hash(8)))
	room, _ = s.Room(big.NewInt(101))
	assert.Equal(t, models.RoomStatusCreated, room.Status)
}

func TestRemovedEventForUnknownRoomIsIgnored(t *testing.T) {
	s := newTestStore(newFakeReader())

	gone := joined(55, alice, 3)
	gone.Removed = true
	assert.False(t, s.Apply(gone))

	assert.Empty(t, s.Rooms())
	_, ok := s.Room(big.NewInt(55))
	assert.False(t, ok)
	assert.Empty(t, s.Backfills())
}
