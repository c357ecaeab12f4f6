package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"raceroom/internal/models"
)

// TxBackend is the subset of the RPC client needed to build and send transactions
type TxBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Session holds the connected account of a wallet provider and signs on its behalf
type Session struct {
	backend TxBackend
	chainID string
	logger  *zap.Logger

	mu       sync.RWMutex
	provider Provider
	account  models.Account
	subs     map[int]chan models.Account
	nextSub  int

	// serializes nonce selection
	sendMu sync.Mutex
}

// NewSession creates a session. provider may be nil, in which case Connect
// reports the wallet as unavailable.
func NewSession(backend TxBackend, provider Provider, chainID string, logger *zap.Logger) *Session {
	return &Session{
		backend:  backend,
		chainID:  chainID,
		provider: provider,
		subs:     make(map[int]chan models.Account),
		logger:   logger.Named("wallet"),
	}
}

// Connect asks the provider for an account and records it. Listeners are
// notified only when the account actually changes.
func (s *Session) Connect(ctx context.Context) (models.Account, error) {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return models.Account{}, models.ErrWalletUnavailable
	}

	addr, err := provider.RequestAccount(ctx)
	if err != nil {
		if errors.Is(err, models.ErrUserRejected) || errors.Is(err, models.ErrWalletUnavailable) {
			return models.Account{}, err
		}
		return models.Account{}, fmt.Errorf("%w: %v", models.ErrWalletUnavailable, err)
	}

	networkID, err := s.backend.ChainID(ctx)
	if err != nil {
		return models.Account{}, models.NetworkError("chain id", err)
	}
	if s.chainID != "" && networkID.String() != s.chainID {
		return models.Account{}, fmt.Errorf("%w: wallet network %s does not match chain %s",
			models.ErrWalletUnavailable, networkID, s.chainID)
	}

	account := models.Account{
		Address: models.NormalizeAddress(addr),
		ChainID: networkID.String(),
	}

	s.mu.Lock()
	changed := s.account != account
	s.account = account
	s.mu.Unlock()

	if changed {
		s.logger.Info("Wallet connected",
			zap.String("account", account.Address),
			zap.String("chain_id", account.ChainID))
		s.notify(account)
	}

	return account, nil
}

// Disconnect forgets the current account
func (s *Session) Disconnect() {
	s.mu.Lock()
	was := s.account
	s.account = models.Account{}
	s.mu.Unlock()

	if !was.IsZero() {
		s.logger.Info("Wallet disconnected", zap.String("account", was.Address))
		s.notify(models.Account{})
	}
}

// SetProvider swaps the wallet provider. The current account is dropped
// because it belonged to the previous provider.
func (s *Session) SetProvider(provider Provider) {
	s.mu.Lock()
	s.provider = provider
	s.mu.Unlock()
	s.Disconnect()
}

// CurrentAccount returns the connected account, if any
func (s *Session) CurrentAccount() (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account, !s.account.IsZero()
}

// Subscribe registers a listener for account changes. The zero account
// signals a disconnect.
func (s *Session) Subscribe() (<-chan models.Account, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan models.Account, 4)
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

func (s *Session) notify(account models.Account) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- account:
		default:
			s.logger.Warn("Dropping account notification for slow listener")
		}
	}
}

// Signer returns a handle that sends transactions as the current account.
// It stops working once the session disconnects or switches accounts.
func (s *Session) Signer() (*Signer, error) {
	account, ok := s.CurrentAccount()
	if !ok {
		return nil, models.ErrNotConnected
	}
	return &Signer{session: s, account: account}, nil
}

// SignAndSend sends a transaction from the current account
func (s *Session) SignAndSend(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	signer, err := s.Signer()
	if err != nil {
		return common.Hash{}, err
	}
	return signer.SignAndSend(ctx, to, data, value)
}

// Signer sends transactions for one account of a session
type Signer struct {
	session *Session
	account models.Account
}

// Account returns the account the signer acts for
func (sg *Signer) Account() models.Account {
	return sg.account
}

// SignAndSend creates, signs and sends a transaction
func (sg *Signer) SignAndSend(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	s := sg.session

	s.mu.RLock()
	provider := s.provider
	current := s.account
	s.mu.RUnlock()

	if current != sg.account {
		return common.Hash{}, models.ErrNotConnected
	}
	if provider == nil {
		return common.Hash{}, models.ErrWalletUnavailable
	}
	if value == nil {
		value = big.NewInt(0)
	}

	from := sg.account.Hex()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	chainID, err := s.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, models.NetworkError("chain id", err)
	}

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, models.NetworkError("nonce", err)
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, models.NetworkError("gas price", err)
	}

	gasLimit, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, ClassifySendError("estimate gas", err)
	}

	gasLimit = WithHeadroom(gasLimit)

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := provider.SignTx(ctx, from, tx, chainID)
	if err != nil {
		if errors.Is(err, models.ErrUserRejected) {
			return common.Hash{}, err
		}
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, ClassifySendError("send transaction", err)
	}

	s.logger.Info("Transaction sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("from", sg.account.Address),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}

// WithHeadroom adds 20% to a gas estimate
func WithHeadroom(gas uint64) uint64 {
	return gas * 120 / 100
}

// ClassifySendError maps node errors from estimation or sending onto the
// error taxonomy
func ClassifySendError(op string, err error) error {
	if revert := decodeRevert(err); revert != nil {
		return revert
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", models.ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return &models.RevertError{Reason: revertReasonFromMessage(err.Error())}
	default:
		return models.NetworkError(op, err)
	}
}
