package worker

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"raceroom/internal/models"
	"raceroom/internal/service"
)

// Executor folds chain events into the store and tells the connected
// account about activity in its rooms
type Executor struct {
	manager *WorkerManager
	logger  *zap.Logger
}

// NewExecutor creates a new event executor
func NewExecutor(manager *WorkerManager) *Executor {
	return &Executor{
		manager: manager,
		logger:  manager.logger.Named("executor"),
	}
}

// Run consumes events until the source closes
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("Executor started")

	events := e.manager.events.Watch(ctx)
	for ev := range events {
		e.handleEvent(ev)
	}

	e.logger.Info("Executor stopping")
	return nil
}

func (e *Executor) handleEvent(ev models.EventRecord) {
	changed := e.manager.store.Apply(ev)

	e.logger.Debug("Applied event",
		zap.String("kind", string(ev.Kind)),
		zap.String("room_id", roomString(ev.RoomID)),
		zap.Uint64("block", ev.BlockNumber),
		zap.Bool("removed", ev.Removed),
		zap.Bool("changed", changed))

	if !changed || ev.Removed {
		return
	}

	if text, ok := e.describeForAccount(ev); ok {
		e.manager.notifier.Publish(service.Message{
			Level:  service.LevelInfo,
			RoomID: roomString(ev.RoomID),
			TxHash: ev.TxHash.Hex(),
			Text:   text,
		})
	}
}

// describeForAccount returns a message when ev was caused by someone else
// (or names the account as winner) and concerns a room the connected
// account sponsors or plays in
func (e *Executor) describeForAccount(ev models.EventRecord) (string, bool) {
	if e.manager.accounts == nil {
		return "", false
	}
	account, ok := e.manager.accounts.Account()
	if !ok {
		return "", false
	}
	me := account.Hex()
	// RaceEnded carries the winner as actor
	if ev.Actor == me && ev.Kind != models.EventRaceEnded {
		return "", false
	}

	room, ok := e.manager.store.Room(ev.RoomID)
	if !ok {
		return "", false
	}
	involved := room.Sponsor == me || room.HasParticipant(me) || containsAddress(ev.Recipients, me)
	if !involved {
		return "", false
	}

	id := roomString(ev.RoomID)
	switch ev.Kind {
	case models.EventPlayerJoined:
		return fmt.Sprintf("%s joined room %s", ev.Actor.Hex(), id), true
	case models.EventRaceStarted:
		return fmt.Sprintf("Race in room %s started", id), true
	case models.EventRaceEnded:
		if ev.Actor == me {
			return fmt.Sprintf("You won the race in room %s", id), true
		}
		if ev.Actor == (common.Address{}) {
			return fmt.Sprintf("Race in room %s ended", id), true
		}
		return fmt.Sprintf("Race in room %s ended; winner %s", id, ev.Actor.Hex()), true
	case models.EventPrizesDistributed:
		if containsAddress(ev.Recipients, me) {
			return fmt.Sprintf("You received %s ETH from room %s", models.FormatEther(ev.Amount), id), true
		}
		return fmt.Sprintf("Prizes of room %s were distributed", id), true
	default:
		return "", false
	}
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
