package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raceroom/internal/models"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SEPOLIA_RPC_ENDPOINT", "https://rpc.sepolia.example")
	t.Setenv("SEPOLIA_WS_ENDPOINT", "wss://rpc.sepolia.example")
	t.Setenv("ROOMS_CONTRACT_ADDRESS", testContract)
	t.Setenv("SYNC_CONFIRMATION_TIMEOUT", "45s")
	t.Setenv("ROOMS_VARIANT", "simple")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ChainIDSepolia, cfg.ChainID)
	chain, ok := cfg.ActiveChain()
	require.True(t, ok)
	assert.Equal(t, "https://rpc.sepolia.example", chain.RPCEndpoint)
	assert.Equal(t, "wss://rpc.sepolia.example", chain.WSEndpoint)
	assert.Equal(t, 45*time.Second, cfg.Sync.ConfirmationTimeout)
	assert.Equal(t, 2*time.Second, cfg.Sync.ReceiptPollInterval)
	assert.Equal(t, models.RoomVariantSimple, cfg.Contract.Variant)
	assert.Equal(t, "", cfg.Database.Driver)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raceroom.yaml")
	content := []byte("ETH_RPC_ENDPOINT: https://rpc.mainnet.example\n" +
		"CHAIN_ID: \"1\"\n" +
		"ROOMS_CONTRACT_ADDRESS: " + testContract + "\n" +
		"DB_DRIVER: sqlite\n" +
		"DB_SQLITE_PATH: " + filepath.Join(dir, "journal.db") + "\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ChainIDMainnet, cfg.ChainID)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, models.RoomVariantRacing, cfg.Contract.Variant)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080},
			Chains:   map[string]ChainConfig{ChainIDSepolia: {ChainID: ChainIDSepolia, RPCEndpoint: "http://localhost:8545"}},
			ChainID:  ChainIDSepolia,
			Contract: ContractConfig{Address: testContract, Variant: models.RoomVariantRacing},
			Sync: SyncConfig{
				EventPollInterval:   time.Second,
				ReceiptPollInterval: time.Second,
				ConfirmationTimeout: time.Minute,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: true},
		{name: "no chains", mutate: func(c *Config) { c.Chains = nil }, wantErr: true},
		{name: "inactive chain", mutate: func(c *Config) { c.ChainID = ChainIDMainnet }, wantErr: true},
		{name: "bad contract", mutate: func(c *Config) { c.Contract.Address = "0x1234" }, wantErr: true},
		{name: "bad variant", mutate: func(c *Config) { c.Contract.Variant = "poker" }, wantErr: true},
		{name: "bad driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Sync.ConfirmationTimeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
