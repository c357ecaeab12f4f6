package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"raceroom/internal/config"
)

// Client wraps the go-ethereum RPC client for the active chain
type Client struct {
	ethClient   *ethclient.Client
	chainConfig *config.ChainConfig
	logger      *zap.Logger
}

// NewClient connects to the chain. The websocket endpoint is preferred when
// configured since it also serves log subscriptions.
func NewClient(ctx context.Context, chainCfg *config.ChainConfig, logger *zap.Logger) (*Client, error) {
	endpoint := chainCfg.RPCEndpoint
	if chainCfg.WSEndpoint != "" {
		endpoint = chainCfg.WSEndpoint
	}

	ethClient, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", endpoint, err)
	}

	networkID, err := ethClient.ChainID(ctx)
	if err != nil {
		ethClient.Close()
		return nil, fmt.Errorf("failed to get chain ID from %s: %w", endpoint, err)
	}
	if networkID.String() != chainCfg.ChainID {
		ethClient.Close()
		return nil, fmt.Errorf("endpoint %s serves chain %s, expected %s", endpoint, networkID, chainCfg.ChainID)
	}

	logger.Info("EVM client initialized",
		zap.String("chain_id", chainCfg.ChainID),
		zap.String("chain_name", chainCfg.Name),
		zap.Bool("subscriptions", chainCfg.WSEndpoint != ""))

	return &Client{
		ethClient:   ethClient,
		chainConfig: chainCfg,
		logger:      logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// ChainID returns the configured chain ID
func (c *Client) ChainID() string {
	return c.chainConfig.ChainID
}

// Eth exposes the raw client. It satisfies every backend interface of this
// package and of the tracker.
func (c *Client) Eth() *ethclient.Client {
	return c.ethClient
}

// LatestBlock returns the current head block number
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// Balance returns the wei balance of an address
func (c *Client) Balance(ctx context.Context, account string) (*big.Int, error) {
	addr, err := parseHexAddress(account)
	if err != nil {
		return nil, err
	}
	return c.ethClient.BalanceAt(ctx, addr, nil)
}
