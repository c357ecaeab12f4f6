package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"raceroom/internal/blockchain/evm"
	"raceroom/internal/models"
)

// CostBackend is the subset of the RPC client needed to price a call
type CostBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// CallPacker encodes contract calls
type CallPacker interface {
	Address() common.Address
	Pack(method string, args ...interface{}) ([]byte, error)
}

// FeeService estimates what an action will cost the connected account
// before it is submitted
type FeeService struct {
	backend CostBackend
	packer  CallPacker
	wallet  Wallet
	logger  *zap.Logger
}

// NewFeeService creates a new fee service
func NewFeeService(backend CostBackend, packer CallPacker, wallet Wallet, logger *zap.Logger) *FeeService {
	return &FeeService{
		backend: backend,
		packer:  packer,
		wallet:  wallet,
		logger:  logger.Named("fees"),
	}
}

// CostEstimate holds the expected cost of one action in wei
type CostEstimate struct {
	Action   models.ActionKind `json:"action"`
	RoomID   string            `json:"room_id"`
	GasLimit uint64            `json:"gas_limit"`
	GasPrice *big.Int          `json:"gas_price"`
	GasCost  *big.Int          `json:"gas_cost"`
	Value    *big.Int          `json:"value"`
	Total    *big.Int          `json:"total"`
	Balance  *big.Int          `json:"balance"`
	// Sufficient reports whether the balance covers Total
	Sufficient bool `json:"sufficient"`
}

// Shortfall returns how much the balance is missing, or zero
func (e *CostEstimate) Shortfall() *big.Int {
	if e.Sufficient {
		return new(big.Int)
	}
	return new(big.Int).Sub(e.Total, e.Balance)
}

// EstimateCreateRoom prices createEvent, including the prize pool sent with it
func (s *FeeService) EstimateCreateRoom(ctx context.Context, req CreateRoomRequest) (*CostEstimate, error) {
	in, err := validateCreateRoom(req)
	if err != nil {
		return nil, err
	}
	return s.estimate(ctx, models.ActionCreateRoom, in.roomID, in.value, "createEvent", in.roomID, in.prizePool)
}

// EstimateJoinRoom prices joinEvent
func (s *FeeService) EstimateJoinRoom(ctx context.Context, req JoinRoomRequest) (*CostEstimate, error) {
	roomID, err := validateJoinRoom(req)
	if err != nil {
		return nil, err
	}
	return s.estimate(ctx, models.ActionJoinRoom, roomID, new(big.Int), "joinEvent", roomID)
}

// EstimateDistributePrizes prices distributePrizes. The payouts come from
// the room's prize pool, so no value is sent.
func (s *FeeService) EstimateDistributePrizes(ctx context.Context, req DistributePrizesRequest) (*CostEstimate, error) {
	in, err := validateDistributePrizes(req)
	if err != nil {
		return nil, err
	}
	return s.estimate(ctx, models.ActionDistributePrizes, in.roomID, new(big.Int),
		"distributePrizes", in.roomID, in.recipients, in.amountEach)
}

func (s *FeeService) estimate(
	ctx context.Context,
	kind models.ActionKind,
	roomID, value *big.Int,
	method string,
	args ...interface{},
) (*CostEstimate, error) {
	account, ok := s.wallet.CurrentAccount()
	if !ok {
		return nil, models.ErrNotConnected
	}
	from := account.Hex()

	data, err := s.packer.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	to := s.packer.Address()
	gasLimit, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return nil, evm.ClassifySendError("estimate gas", err)
	}
	gasLimit = evm.WithHeadroom(gasLimit)

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, models.NetworkError("gas price", err)
	}

	balance, err := s.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, models.NetworkError("balance", err)
	}

	gasCost, total, err := TotalCost(gasLimit, gasPrice, value)
	if err != nil {
		return nil, err
	}

	est := &CostEstimate{
		Action:     kind,
		RoomID:     roomID.String(),
		GasLimit:   gasLimit,
		GasPrice:   gasPrice,
		GasCost:    gasCost,
		Value:      value,
		Total:      total,
		Balance:    balance,
		Sufficient: balance.Cmp(total) >= 0,
	}

	s.logger.Debug("Estimated action cost",
		zap.String("action", string(kind)),
		zap.String("room_id", est.RoomID),
		zap.Uint64("gas_limit", gasLimit),
		zap.String("gas_price", gasPrice.String()),
		zap.String("total", total.String()),
		zap.Bool("sufficient", est.Sufficient))

	return est, nil
}

// TotalCost returns gasLimit*gasPrice and that plus value. Any operand or
// result outside uint256 is an error.
func TotalCost(gasLimit uint64, gasPrice, value *big.Int) (*big.Int, *big.Int, error) {
	price, overflow := uint256.FromBig(gasPrice)
	if overflow || gasPrice.Sign() < 0 {
		return nil, nil, fmt.Errorf("gas price %s out of range", gasPrice)
	}
	val, overflow := uint256.FromBig(value)
	if overflow || value.Sign() < 0 {
		return nil, nil, fmt.Errorf("value %s out of range", value)
	}

	gasCost, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(gasLimit), price)
	if overflow {
		return nil, nil, fmt.Errorf("gas cost overflows: %d * %s", gasLimit, gasPrice)
	}
	total, overflow := new(uint256.Int).AddOverflow(gasCost, val)
	if overflow {
		return nil, nil, fmt.Errorf("total cost overflows: %s + %s", gasCost.ToBig(), value)
	}

	return gasCost.ToBig(), total.ToBig(), nil
}
