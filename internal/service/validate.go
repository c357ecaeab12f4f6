package service

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"raceroom/internal/models"
)

// CreateRoomRequest is the input of CreateRoom. Amounts are ether decimals.
// An empty Value sends exactly the prize pool.
type CreateRoomRequest struct {
	RoomID    string `json:"room_id"`
	PrizePool string `json:"prize_pool"`
	Value     string `json:"value,omitempty"`
}

// JoinRoomRequest is the input of JoinRoom
type JoinRoomRequest struct {
	RoomID string `json:"room_id"`
}

// DistributePrizesRequest is the input of DistributePrizes. ExpectedCount,
// when positive, must match the number of recipients.
type DistributePrizesRequest struct {
	RoomID        string   `json:"room_id"`
	Recipients    []string `json:"recipients"`
	AmountEach    string   `json:"amount_each"`
	ExpectedCount int      `json:"expected_count,omitempty"`
}

type createRoomInput struct {
	roomID    *big.Int
	prizePool *big.Int
	value     *big.Int
}

type distributeInput struct {
	roomID     *big.Int
	recipients []common.Address
	amountEach *big.Int
}

func validateCreateRoom(req CreateRoomRequest) (createRoomInput, error) {
	roomID, err := models.ParseRoomID(req.RoomID)
	if err != nil {
		return createRoomInput{}, err
	}

	prizePool, err := models.ParseEther("prize_pool", req.PrizePool)
	if err != nil {
		return createRoomInput{}, err
	}
	if prizePool.Sign() == 0 {
		return createRoomInput{}, models.NewValidationError("prize_pool", "must be greater than zero")
	}

	value := prizePool
	if req.Value != "" {
		value, err = models.ParseEther("value", req.Value)
		if err != nil {
			return createRoomInput{}, err
		}
	}
	if value.Cmp(prizePool) != 0 {
		return createRoomInput{}, &models.ValidationError{
			Field:  "value",
			Reason: fmt.Sprintf("must equal prize pool %s ETH, got %s ETH", models.FormatEther(prizePool), models.FormatEther(value)),
			Kind:   models.ErrInsufficientValue,
		}
	}

	return createRoomInput{roomID: roomID, prizePool: prizePool, value: value}, nil
}

func validateJoinRoom(req JoinRoomRequest) (*big.Int, error) {
	return models.ParseRoomID(req.RoomID)
}

func validateDistributePrizes(req DistributePrizesRequest) (distributeInput, error) {
	roomID, err := models.ParseRoomID(req.RoomID)
	if err != nil {
		return distributeInput{}, err
	}

	if len(req.Recipients) == 0 {
		return distributeInput{}, models.NewValidationError("recipients", "at least one recipient is required")
	}
	if req.ExpectedCount > 0 && len(req.Recipients) != req.ExpectedCount {
		return distributeInput{}, models.NewValidationError("recipients",
			fmt.Sprintf("expected %d recipients, got %d", req.ExpectedCount, len(req.Recipients)))
	}

	recipients := make([]common.Address, 0, len(req.Recipients))
	for i, raw := range req.Recipients {
		addr, err := models.ParseAddress(fmt.Sprintf("recipients[%d]", i), raw)
		if err != nil {
			return distributeInput{}, err
		}
		recipients = append(recipients, addr)
	}

	amountEach, err := models.ParseEther("amount_each", req.AmountEach)
	if err != nil {
		return distributeInput{}, err
	}
	if amountEach.Sign() == 0 {
		return distributeInput{}, models.NewValidationError("amount_each", "must be greater than zero")
	}

	return distributeInput{roomID: roomID, recipients: recipients, amountEach: amountEach}, nil
}
