package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"raceroom/internal/config"
	"raceroom/internal/models"
)

// Provider is the wallet the session talks to. It hands out an account on
// request and signs transactions for it.
type Provider interface {
	RequestAccount(ctx context.Context) (common.Address, error)
	SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeyProvider signs with an in-memory private key
type KeyProvider struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewKeyProvider parses a hex private key (with or without 0x prefix)
func NewKeyProvider(privateKeyHex string) (*KeyProvider, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewKeyProviderFromKey(privateKey)
}

// NewKeyProviderFromKey wraps an existing key
func NewKeyProviderFromKey(privateKey *ecdsa.PrivateKey) (*KeyProvider, error) {
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	return &KeyProvider{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
	}, nil
}

func (p *KeyProvider) RequestAccount(ctx context.Context) (common.Address, error) {
	return p.address, nil
}

func (p *KeyProvider) SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if account != p.address {
		return nil, fmt.Errorf("%w: key does not control %s", models.ErrUserRejected, account.Hex())
	}
	return types.SignTx(tx, types.NewEIP155Signer(chainID), p.privateKey)
}

// KeystoreProvider signs with a go-ethereum keystore account. A locked
// account behaves like a wallet that declined the request.
type KeystoreProvider struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase string
}

// NewKeystoreProvider opens dir and selects address, or the first account
// when address is empty
func NewKeystoreProvider(dir, address, passphrase string) (*KeystoreProvider, error) {
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return NewKeystoreProviderFromStore(ks, address, passphrase)
}

// NewKeystoreProviderFromStore selects an account from an open keystore
func NewKeystoreProviderFromStore(ks *keystore.KeyStore, address, passphrase string) (*KeystoreProvider, error) {
	var account accounts.Account
	if address == "" {
		all := ks.Accounts()
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: keystore has no accounts", models.ErrWalletUnavailable)
		}
		account = all[0]
	} else {
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("invalid keystore account %q", address)
		}
		found, err := ks.Find(accounts.Account{Address: common.HexToAddress(address)})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrWalletUnavailable, err)
		}
		account = found
	}

	return &KeystoreProvider{ks: ks, account: account, passphrase: passphrase}, nil
}

func (p *KeystoreProvider) RequestAccount(ctx context.Context) (common.Address, error) {
	if p.passphrase != "" {
		if err := p.ks.Unlock(p.account, p.passphrase); err != nil {
			return common.Address{}, fmt.Errorf("%w: %v", models.ErrUserRejected, err)
		}
	}
	return p.account.Address, nil
}

func (p *KeystoreProvider) SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if account != p.account.Address {
		return nil, fmt.Errorf("%w: keystore account is %s", models.ErrUserRejected, p.account.Address.Hex())
	}
	signed, err := p.ks.SignTx(p.account, tx, chainID)
	if errors.Is(err, keystore.ErrLocked) {
		return nil, fmt.Errorf("%w: account locked", models.ErrUserRejected)
	}
	return signed, err
}

// ProviderFromConfig builds the configured wallet. It returns nil when no
// wallet is configured, which the session reports as unavailable.
func ProviderFromConfig(cfg config.WalletConfig) (Provider, error) {
	switch {
	case cfg.PrivateKey != "":
		return NewKeyProvider(cfg.PrivateKey)
	case cfg.KeystoreDir != "":
		return NewKeystoreProvider(cfg.KeystoreDir, cfg.KeystoreAccount, cfg.KeystorePassphrase)
	default:
		return nil, nil
	}
}

func parseHexAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", models.ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
