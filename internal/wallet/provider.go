package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
)

// Backend is the RPC side of the wallet provider. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Signer is the account side of the wallet provider.
type Signer interface {
	Accounts() []common.Address
	Transactor(from common.Address, chainID *big.Int) (*bind.TransactOpts, error)
	// Subscribe delivers a signal whenever the account set may have changed.
	// Signers with a fixed account set return nil.
	Subscribe(sink chan<- struct{}) event.Subscription
}

// DialFunc opens a Backend for an RPC URL.
type DialFunc func(ctx context.Context, rpcURL string) (Backend, error)

// DialEthereum is the default DialFunc.
func DialEthereum(ctx context.Context, rpcURL string) (Backend, error) {
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return cli, nil
}

// KeySigner signs with a single raw private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *KeySigner) Accounts() []common.Address {
	return []common.Address{s.address}
}

func (s *KeySigner) Transactor(from common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	if from != s.address {
		return nil, fmt.Errorf("unknown account %s", from.Hex())
	}
	return bind.NewKeyedTransactorWithChainID(s.key, chainID)
}

func (s *KeySigner) Subscribe(chan<- struct{}) event.Subscription {
	return nil
}

// KeystoreSigner signs with unlocked accounts of a go-ethereum keystore
// directory. Keys added to or removed from the directory are reported as
// account changes.
type KeystoreSigner struct {
	ks         *keystore.KeyStore
	passphrase string
}

func NewKeystoreSigner(dir, passphrase string) (*KeystoreSigner, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("keystore dir is empty")
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return &KeystoreSigner{ks: ks, passphrase: passphrase}, nil
}

func (s *KeystoreSigner) Accounts() []common.Address {
	accs := s.ks.Accounts()
	out := make([]common.Address, 0, len(accs))
	for _, acc := range accs {
		out = append(out, acc.Address)
	}
	return out
}

func (s *KeystoreSigner) Transactor(from common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	acc := accounts.Account{Address: from}
	if !s.ks.HasAddress(from) {
		return nil, fmt.Errorf("unknown account %s", from.Hex())
	}
	if err := s.ks.Unlock(acc, s.passphrase); err != nil {
		return nil, fmt.Errorf("unlock %s: %w", from.Hex(), err)
	}
	return bind.NewKeyStoreTransactorWithChainID(s.ks, acc, chainID)
}

func (s *KeystoreSigner) Subscribe(sink chan<- struct{}) event.Subscription {
	events := make(chan accounts.WalletEvent, 8)
	sub := s.ks.Subscribe(events)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-events:
				if ev.Kind == accounts.WalletOpened {
					continue
				}
				select {
				case sink <- struct{}{}:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	})
}
