package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var testChainID = big.NewInt(11155111)

// fakeBackend implements every backend interface of the package in memory
type fakeBackend struct {
	mu sync.Mutex

	chainID     *big.Int
	nonce       uint64
	gasPrice    *big.Int
	gasEstimate uint64
	estimateErr error
	sendErr     error
	sent        []*types.Transaction

	callFn func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	txs    map[common.Hash]*types.Transaction
	rcpts  map[common.Hash]*types.Receipt

	head       uint64
	logs       []types.Log
	filterReqs []ethereum.FilterQuery
	subLogs    chan<- types.Log
	subErr     chan error
	subReady   chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:     new(big.Int).Set(testChainID),
		gasPrice:    big.NewInt(1_000_000_000),
		gasEstimate: 100_000,
		txs:         make(map[common.Hash]*types.Transaction),
		rcpts:       make(map[common.Hash]*types.Receipt),
		subReady:    make(chan struct{}),
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.gasEstimate, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if f.callFn == nil {
		return nil, errors.New("no contract")
	}
	return f.callFn(msg, block)
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, ok := f.rcpts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterReqs = append(f.filterReqs, q)

	var out []types.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeBackend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.subLogs = ch
	f.subErr = make(chan error, 1)
	errCh := f.subErr
	f.mu.Unlock()
	close(f.subReady)
	return &fakeSubscription{err: errCh}, nil
}

type fakeSubscription struct {
	err  chan error
	once sync.Once
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.err) })
}

func (s *fakeSubscription) Err() <-chan error {
	return s.err
}

// revertDataError mimics a JSON-RPC error carrying revert data
type revertDataError struct {
	msg  string
	data string
}

func (e *revertDataError) Error() string          { return e.msg }
func (e *revertDataError) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

func newTestKeyProvider(t *testing.T) *KeyProvider {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	provider, err := NewKeyProviderFromKey(key)
	require.NoError(t, err)
	return provider
}
