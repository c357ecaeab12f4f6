package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"raceroom/internal/models"
)

// RoomsABI is the ABI of the race rooms contract
const RoomsABI = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "roomId", "type": "uint256"},
			{"internalType": "uint256", "name": "prizePool", "type": "uint256"}
		],
		"name": "createEvent",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "roomId", "type": "uint256"}
		],
		"name": "joinEvent",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "roomId", "type": "uint256"},
			{"internalType": "address[]", "name": "recipients", "type": "address[]"},
			{"internalType": "uint256", "name": "amountEach", "type": "uint256"}
		],
		"name": "distributePrizes",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "", "type": "uint256"}
		],
		"name": "rooms",
		"outputs": [
			{"internalType": "uint256", "name": "roomId", "type": "uint256"},
			{"internalType": "address", "name": "sponsor", "type": "address"},
			{"internalType": "uint256", "name": "prizePool", "type": "uint256"},
			{"internalType": "bool", "name": "exists", "type": "bool"},
			{"internalType": "uint8", "name": "status", "type": "uint8"},
			{"internalType": "address", "name": "winner", "type": "address"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "roomId", "type": "uint256"}
		],
		"name": "getParticipants",
		"outputs": [
			{"internalType": "address[]", "name": "", "type": "address[]"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "roomId", "type": "uint256"},
			{"indexed": true, "internalType": "address", "name": "sponsor", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "prizePool", "type": "uint256"}
		],
		"name": "EventCreated",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "roomId", "type": "uint256"},
			{"indexed": true, "internalType": "address", "name": "player", "type": "address"}
		],
		"name": "PlayerJoined",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "roomId", "type": "uint256"},
			{"indexed": true, "internalType": "address", "name": "organiser", "type": "address"}
		],
		"name": "RaceStarted",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "roomId", "type": "uint256"},
			{"indexed": true, "internalType": "address", "name": "winner", "type": "address"}
		],
		"name": "RaceEnded",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "roomId", "type": "uint256"},
			{"indexed": true, "internalType": "address", "name": "sponsor", "type": "address"},
			{"indexed": false, "internalType": "address[]", "name": "recipients", "type": "address[]"},
			{"indexed": false, "internalType": "uint256", "name": "amountEach", "type": "uint256"}
		],
		"name": "PrizesDistributed",
		"type": "event"
	}
]`

var eventKinds = map[string]models.EventKind{
	"EventCreated":      models.EventRoomCreated,
	"PlayerJoined":      models.EventPlayerJoined,
	"RaceStarted":       models.EventRaceStarted,
	"RaceEnded":         models.EventRaceEnded,
	"PrizesDistributed": models.EventPrizesDistributed,
}

// CallBackend is the read side of the RPC client used by the binding
type CallBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSender sends a signed transaction on behalf of the connected account
type TxSender interface {
	SignAndSend(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
}

// Rooms provides methods to interact with the race rooms contract
type Rooms struct {
	address common.Address
	caller  CallBackend
	sender  TxSender
	variant models.RoomVariant
	abi     abi.ABI
	logger  *zap.Logger
}

// NewRooms creates a new contract binding
func NewRooms(address common.Address, caller CallBackend, sender TxSender, variant models.RoomVariant, logger *zap.Logger) (*Rooms, error) {
	parsedABI, err := abi.JSON(strings.NewReader(RoomsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rooms ABI: %w", err)
	}

	return &Rooms{
		address: address,
		caller:  caller,
		sender:  sender,
		variant: variant,
		abi:     parsedABI,
		logger:  logger.Named("rooms"),
	}, nil
}

// Address returns the contract address
func (r *Rooms) Address() common.Address {
	return r.address
}

// ABI returns the parsed contract ABI
func (r *Rooms) ABI() *abi.ABI {
	return &r.abi
}

// Pack encodes a call to one of the contract methods
func (r *Rooms) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	return data, nil
}

// CreateRoom calls createEvent(roomId, prizePool) sending value wei
func (r *Rooms) CreateRoom(ctx context.Context, roomID, prizePool, value *big.Int) (common.Hash, error) {
	data, err := r.abi.Pack("createEvent", roomID, prizePool)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack createEvent call: %w", err)
	}

	txHash, err := r.sender.SignAndSend(ctx, r.address, data, value)
	if err != nil {
		return common.Hash{}, err
	}

	r.logger.Info("Create room transaction sent",
		zap.String("room_id", roomID.String()),
		zap.String("prize_pool", prizePool.String()),
		zap.String("tx_hash", txHash.Hex()))

	return txHash, nil
}

// JoinRoom calls joinEvent(roomId)
func (r *Rooms) JoinRoom(ctx context.Context, roomID *big.Int) (common.Hash, error) {
	data, err := r.abi.Pack("joinEvent", roomID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack joinEvent call: %w", err)
	}

	txHash, err := r.sender.SignAndSend(ctx, r.address, data, big.NewInt(0))
	if err != nil {
		return common.Hash{}, err
	}

	r.logger.Info("Join room transaction sent",
		zap.String("room_id", roomID.String()),
		zap.String("tx_hash", txHash.Hex()))

	return txHash, nil
}

// DistributePrizes calls distributePrizes(roomId, recipients, amountEach)
func (r *Rooms) DistributePrizes(ctx context.Context, roomID *big.Int, recipients []common.Address, amountEach *big.Int) (common.Hash, error) {
	data, err := r.abi.Pack("distributePrizes", roomID, recipients, amountEach)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack distributePrizes call: %w", err)
	}

	txHash, err := r.sender.SignAndSend(ctx, r.address, data, big.NewInt(0))
	if err != nil {
		return common.Hash{}, err
	}

	r.logger.Info("Distribute prizes transaction sent",
		zap.String("room_id", roomID.String()),
		zap.Int("recipients", len(recipients)),
		zap.String("amount_each", amountEach.String()),
		zap.String("tx_hash", txHash.Hex()))

	return txHash, nil
}

// GetRoom reads a room and its participants. It returns ErrRoomNotFound when
// the contract reports the room as nonexistent.
func (r *Rooms) GetRoom(ctx context.Context, roomID *big.Int) (*models.Room, error) {
	out, err := r.call(ctx, "rooms", roomID)
	if err != nil {
		return nil, err
	}
	if len(out) != 6 {
		return nil, fmt.Errorf("unexpected rooms result length: %d", len(out))
	}

	exists, _ := out[3].(bool)
	if !exists {
		return nil, models.ErrRoomNotFound
	}

	sponsor, _ := out[1].(common.Address)
	prizePool, _ := out[2].(*big.Int)
	rawStatus, _ := out[4].(uint8)
	winner, _ := out[5].(common.Address)

	participants, err := r.GetParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}

	room := &models.Room{
		ID:           new(big.Int).Set(roomID),
		Sponsor:      sponsor,
		PrizePool:    prizePool,
		Exists:       true,
		Status:       r.variant.StatusFromContract(rawStatus),
		Participants: participants,
	}
	if winner != (common.Address{}) {
		room.Winner = &winner
	}

	return room, nil
}

// GetParticipants reads the joined players of a room in join order
func (r *Rooms) GetParticipants(ctx context.Context, roomID *big.Int) ([]common.Address, error) {
	out, err := r.call(ctx, "getParticipants", roomID)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected getParticipants result length: %d", len(out))
	}
	participants, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected getParticipants result type %T", out[0])
	}
	return participants, nil
}

func (r *Rooms) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &r.address,
		Data: data,
	}, nil)
	if err != nil {
		if revert := decodeRevert(err); revert != nil {
			return nil, revert
		}
		return nil, models.NetworkError("call "+method, err)
	}

	out, err := r.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return out, nil
}

// RevertReason replays a mined transaction at its block to recover the
// revert message. It returns an empty string when the node gives no reason.
func (r *Rooms) RevertReason(ctx context.Context, txHash common.Hash) (string, error) {
	tx, _, err := r.caller.TransactionByHash(ctx, txHash)
	if err != nil {
		return "", models.NetworkError("transaction by hash", err)
	}

	receipt, err := r.caller.TransactionReceipt(ctx, txHash)
	if err != nil {
		return "", models.NetworkError("transaction receipt", err)
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "", fmt.Errorf("failed to recover sender: %w", err)
	}

	_, err = r.caller.CallContract(ctx, ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}, receipt.BlockNumber)
	if err == nil {
		return "", nil
	}

	if revert := decodeRevert(err); revert != nil {
		return revert.Reason, nil
	}
	return revertReasonFromMessage(err.Error()), nil
}

// Topics returns the event signatures the watcher filters on
func (r *Rooms) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(eventKinds))
	for name := range eventKinds {
		topics = append(topics, r.abi.Events[name].ID)
	}
	return topics
}

// FilterQuery builds a log query over [from, to]. A nil to means latest.
func (r *Rooms) FilterQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{r.address},
		Topics:    [][]common.Hash{r.Topics()},
	}
}

// ErrUnknownEvent is returned by ParseLog for logs this client does not fold
var ErrUnknownEvent = errors.New("unknown event")

// ParseLog decodes a contract log into an EventRecord
func (r *Rooms) ParseLog(log types.Log) (models.EventRecord, error) {
	if len(log.Topics) < 2 {
		return models.EventRecord{}, ErrUnknownEvent
	}

	ev, err := r.abi.EventByID(log.Topics[0])
	if err != nil {
		return models.EventRecord{}, ErrUnknownEvent
	}
	kind, ok := eventKinds[ev.Name]
	if !ok {
		return models.EventRecord{}, ErrUnknownEvent
	}

	record := models.EventRecord{
		Kind:        kind,
		RoomID:      new(big.Int).SetBytes(log.Topics[1].Bytes()),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Removed:     log.Removed,
	}
	if len(log.Topics) > 2 {
		record.Actor = common.BytesToAddress(log.Topics[2].Bytes())
	}

	values, err := ev.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return models.EventRecord{}, fmt.Errorf("failed to unpack %s data: %w", ev.Name, err)
	}

	switch kind {
	case models.EventRoomCreated:
		if len(values) != 1 {
			return models.EventRecord{}, fmt.Errorf("unexpected %s data length: %d", ev.Name, len(values))
		}
		record.PrizePool, _ = values[0].(*big.Int)
	case models.EventPrizesDistributed:
		if len(values) != 2 {
			return models.EventRecord{}, fmt.Errorf("unexpected %s data length: %d", ev.Name, len(values))
		}
		record.Recipients, _ = values[0].([]common.Address)
		record.Amount, _ = values[1].(*big.Int)
	}

	return record, nil
}
