package models

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoomStatus represents the lifecycle stage of a room
type RoomStatus string

const (
	RoomStatusCreated RoomStatus = "CREATED"
	RoomStatusActive  RoomStatus = "ACTIVE"
	RoomStatusEnded   RoomStatus = "ENDED"

	// Simplified room variant
	RoomStatusOpen   RoomStatus = "OPEN"
	RoomStatusClosed RoomStatus = "CLOSED"
)

// Rank orders statuses so that transitions only ever move forward.
func (s RoomStatus) Rank() int {
	switch s {
	case RoomStatusActive:
		return 1
	case RoomStatusEnded, RoomStatusClosed:
		return 2
	default:
		return 0
	}
}

// Terminal reports whether no further status transition is possible
func (s RoomStatus) Terminal() bool {
	return s.Rank() == 2
}

// RoomVariant selects which status set the contract uses
type RoomVariant string

const (
	RoomVariantRacing RoomVariant = "racing"
	RoomVariantSimple RoomVariant = "simple"
)

// InitialStatus returns the status of a freshly created room
func (v RoomVariant) InitialStatus() RoomStatus {
	if v == RoomVariantSimple {
		return RoomStatusOpen
	}
	return RoomStatusCreated
}

// FinalStatus returns the status of a room whose prizes were paid out
func (v RoomVariant) FinalStatus() RoomStatus {
	if v == RoomVariantSimple {
		return RoomStatusClosed
	}
	return RoomStatusEnded
}

// StatusFromContract maps the contract's uint8 status to a RoomStatus
func (v RoomVariant) StatusFromContract(raw uint8) RoomStatus {
	if v == RoomVariantSimple {
		if raw == 0 {
			return RoomStatusOpen
		}
		return RoomStatusClosed
	}
	switch raw {
	case 1:
		return RoomStatusActive
	case 2:
		return RoomStatusEnded
	default:
		return RoomStatusCreated
	}
}

// Account is the connected wallet
type Account struct {
	Address string `json:"address"` // lowercase hex
	ChainID string `json:"chain_id"`
}

// IsZero reports whether no wallet is connected
func (a Account) IsZero() bool {
	return a.Address == ""
}

// Hex returns the account as a go-ethereum address
func (a Account) Hex() common.Address {
	return common.HexToAddress(a.Address)
}

// NormalizeAddress lowercases a hex address for comparisons and storage
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// Room is the local read model of a contract room
type Room struct {
	ID           *big.Int
	Sponsor      common.Address
	PrizePool    *big.Int
	Exists       bool
	Status       RoomStatus
	Participants []common.Address
	Winner       *common.Address
	Stale        bool
	UpdatedAt    time.Time
}

// HasParticipant reports whether addr has joined the room
func (r Room) HasParticipant(addr common.Address) bool {
	for _, p := range r.Participants {
		if p == addr {
			return true
		}
	}
	return false
}

// VisibleWinner returns the winner only once the room has ended
func (r Room) VisibleWinner() *common.Address {
	if !r.Status.Terminal() || r.Winner == nil || *r.Winner == (common.Address{}) {
		return nil
	}
	return r.Winner
}

// Clone returns a deep copy safe to hand out of the store
func (r Room) Clone() Room {
	out := r
	if r.ID != nil {
		out.ID = new(big.Int).Set(r.ID)
	}
	if r.PrizePool != nil {
		out.PrizePool = new(big.Int).Set(r.PrizePool)
	}
	if r.Participants != nil {
		out.Participants = append([]common.Address(nil), r.Participants...)
	}
	if r.Winner != nil {
		w := *r.Winner
		out.Winner = &w
	}
	return out
}

// RoomActions holds the role-scoped predicates gating user actions
type RoomActions struct {
	Connected     bool `json:"connected"`
	IsSponsor     bool `json:"is_sponsor"`
	IsParticipant bool `json:"is_participant"`
	CanJoin       bool `json:"can_join"`
	CanDistribute bool `json:"can_distribute"`
	CanEnd        bool `json:"can_end"`
}

// ActionsFor evaluates which actions account may take on the room
func (r Room) ActionsFor(account Account) RoomActions {
	if account.IsZero() {
		return RoomActions{}
	}
	addr := account.Hex()
	acts := RoomActions{
		Connected:     true,
		IsSponsor:     r.Exists && r.Sponsor == addr,
		IsParticipant: r.HasParticipant(addr),
	}
	open := r.Exists && !r.Status.Terminal()
	acts.CanJoin = open && !acts.IsParticipant
	acts.CanDistribute = open && acts.IsSponsor
	acts.CanEnd = acts.IsSponsor && r.Status == RoomStatusActive
	return acts
}

// ActionKind identifies a user-initiated contract write
type ActionKind string

const (
	ActionCreateRoom       ActionKind = "CREATE_ROOM"
	ActionJoinRoom         ActionKind = "JOIN_ROOM"
	ActionDistributePrizes ActionKind = "DISTRIBUTE_PRIZES"
)

// TxStatus represents the state of a submitted transaction
type TxStatus string

const (
	TxStatusPending   TxStatus = "PENDING"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusFailed    TxStatus = "FAILED"
)

// Terminal reports whether the status can no longer change
func (s TxStatus) Terminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// PendingTransaction is a locally tracked submitted transaction
type PendingTransaction struct {
	Hash        common.Hash
	Kind        ActionKind
	RoomID      *big.Int // nil when the action has no room
	Status      TxStatus
	SubmittedAt time.Time
	ResolvedAt  *time.Time
	BlockNumber uint64
	Error       string
}

// EventKind names a contract event this client folds into the store
type EventKind string

const (
	EventRoomCreated       EventKind = "RoomCreated"
	EventPlayerJoined      EventKind = "PlayerJoined"
	EventRaceStarted       EventKind = "RaceStarted"
	EventRaceEnded         EventKind = "RaceEnded"
	EventPrizesDistributed EventKind = "PrizesDistributed"
)

// EventRecord is a decoded contract event
type EventRecord struct {
	Kind        EventKind
	RoomID      *big.Int
	Actor       common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	PrizePool   *big.Int
	Recipients  []common.Address
	Amount      *big.Int
	Removed     bool
}

// EventKey identifies a log uniquely on chain
type EventKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// Key returns the dedupe key of the event
func (e EventRecord) Key() EventKey {
	return EventKey{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// ActionRecord is the journal row of a submitted action
type ActionRecord struct {
	TxHash       string     `db:"tx_hash"`
	Kind         ActionKind `db:"kind"`
	RoomID       string     `db:"room_id"`
	Account      string     `db:"account"`
	Status       TxStatus   `db:"status"`
	ErrorMessage *string    `db:"error_message"`
	SubmittedAt  time.Time  `db:"submitted_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}
