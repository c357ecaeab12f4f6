package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"raceroom/internal/models"
)

const (
	ChainIDMainnet = "1"
	ChainIDSepolia = "11155111"
)

// Config holds all configuration for the client
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chains   map[string]ChainConfig
	ChainID  string // active chain
	Contract ContractConfig
	Wallet   WalletConfig
	Sync     SyncConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig holds action journal configuration.
// An empty Driver disables the journal.
type DatabaseConfig struct {
	Driver     string // "postgres", "sqlite" or ""
	Host       string
	Port       int
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SQLitePath string
}

// ChainConfig holds configuration for an EVM chain
type ChainConfig struct {
	ChainID     string
	Name        string
	RPCEndpoint string
	WSEndpoint  string // optional, enables log subscriptions
}

// ContractConfig describes the rooms contract
type ContractConfig struct {
	Address    string
	Variant    models.RoomVariant
	StartBlock uint64 // first block scanned for events
}

// WalletConfig selects the signing provider. PrivateKey wins over the keystore.
type WalletConfig struct {
	PrivateKey         string
	KeystoreDir        string
	KeystoreAccount    string
	KeystorePassphrase string
}

// SyncConfig tunes the tracker, watcher and reconciler loops
type SyncConfig struct {
	EventPollInterval   time.Duration
	ReceiptPollInterval time.Duration
	ConfirmationTimeout time.Duration
	ReconcileInterval   time.Duration
	OverlayTTL          time.Duration
	RPCRateLimit        float64 // requests per second for receipt polls and backfill reads
	OptimisticOnSubmit  bool
}

// LoadConfig loads configuration from environment variables and an optional
// config file named by CONFIG_FILE
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("CHAIN_ID", ChainIDSepolia)

	v.SetDefault("DB_DRIVER", "")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "raceroom")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_SQLITE_PATH", "raceroom.db")

	v.SetDefault("ROOMS_VARIANT", string(models.RoomVariantRacing))
	v.SetDefault("ROOMS_START_BLOCK", 0)

	v.SetDefault("SYNC_EVENT_POLL_INTERVAL", 5*time.Second)
	v.SetDefault("SYNC_RECEIPT_POLL_INTERVAL", 2*time.Second)
	v.SetDefault("SYNC_CONFIRMATION_TIMEOUT", 3*time.Minute)
	v.SetDefault("SYNC_RECONCILE_INTERVAL", 30*time.Second)
	v.SetDefault("SYNC_OVERLAY_TTL", 2*time.Minute)
	v.SetDefault("SYNC_RPC_RATE_LIMIT", 10.0)
	v.SetDefault("SYNC_OPTIMISTIC_ON_SUBMIT", false)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("SERVER_PORT"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(v.GetString("DB_DRIVER")),
			Host:       v.GetString("DB_HOST"),
			Port:       v.GetInt("DB_PORT"),
			User:       v.GetString("DB_USER"),
			Password:   v.GetString("DB_PASSWORD"),
			DBName:     v.GetString("DB_NAME"),
			SSLMode:    v.GetString("DB_SSL_MODE"),
			SQLitePath: v.GetString("DB_SQLITE_PATH"),
		},
		ChainID: v.GetString("CHAIN_ID"),
		Contract: ContractConfig{
			Address:    v.GetString("ROOMS_CONTRACT_ADDRESS"),
			Variant:    models.RoomVariant(strings.ToLower(v.GetString("ROOMS_VARIANT"))),
			StartBlock: v.GetUint64("ROOMS_START_BLOCK"),
		},
		Wallet: WalletConfig{
			PrivateKey:         v.GetString("WALLET_PRIVATE_KEY"),
			KeystoreDir:        v.GetString("WALLET_KEYSTORE_DIR"),
			KeystoreAccount:    v.GetString("WALLET_KEYSTORE_ACCOUNT"),
			KeystorePassphrase: v.GetString("WALLET_KEYSTORE_PASSPHRASE"),
		},
		Sync: SyncConfig{
			EventPollInterval:   v.GetDuration("SYNC_EVENT_POLL_INTERVAL"),
			ReceiptPollInterval: v.GetDuration("SYNC_RECEIPT_POLL_INTERVAL"),
			ConfirmationTimeout: v.GetDuration("SYNC_CONFIRMATION_TIMEOUT"),
			ReconcileInterval:   v.GetDuration("SYNC_RECONCILE_INTERVAL"),
			OverlayTTL:          v.GetDuration("SYNC_OVERLAY_TTL"),
			RPCRateLimit:        v.GetFloat64("SYNC_RPC_RATE_LIMIT"),
			OptimisticOnSubmit:  v.GetBool("SYNC_OPTIMISTIC_ON_SUBMIT"),
		},
		Chains: loadChainConfigs(v),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadChainConfigs loads configuration for the supported chains
func loadChainConfigs(v *viper.Viper) map[string]ChainConfig {
	chains := make(map[string]ChainConfig)

	if rpc := v.GetString("ETH_RPC_ENDPOINT"); rpc != "" {
		chains[ChainIDMainnet] = ChainConfig{
			ChainID:     ChainIDMainnet,
			Name:        "Ethereum",
			RPCEndpoint: rpc,
			WSEndpoint:  v.GetString("ETH_WS_ENDPOINT"),
		}
	}

	if rpc := v.GetString("SEPOLIA_RPC_ENDPOINT"); rpc != "" {
		chains[ChainIDSepolia] = ChainConfig{
			ChainID:     ChainIDSepolia,
			Name:        "Sepolia",
			RPCEndpoint: rpc,
			WSEndpoint:  v.GetString("SEPOLIA_WS_ENDPOINT"),
		}
	}

	return chains
}

// ActiveChain returns the configuration of the selected chain
func (c *Config) ActiveChain() (ChainConfig, bool) {
	chain, ok := c.Chains[c.ChainID]
	return chain, ok
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	if _, ok := c.ActiveChain(); !ok {
		return fmt.Errorf("chain %s is not configured", c.ChainID)
	}

	if !common.IsHexAddress(c.Contract.Address) {
		return fmt.Errorf("invalid rooms contract address: %q", c.Contract.Address)
	}

	switch c.Contract.Variant {
	case models.RoomVariantRacing, models.RoomVariantSimple:
	default:
		return fmt.Errorf("unknown rooms variant: %q", c.Contract.Variant)
	}

	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Sync.ReceiptPollInterval <= 0 || c.Sync.EventPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}

	if c.Sync.ConfirmationTimeout <= 0 {
		return fmt.Errorf("confirmation timeout must be positive")
	}

	return nil
}
