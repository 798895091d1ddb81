package chaintest

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
)

// Signer holds generated keys whose set can be changed at runtime.
type Signer struct {
	mu   sync.Mutex
	keys []*ecdsa.PrivateKey
	feed event.Feed
}

// NewSigner generates n fresh accounts.
func NewSigner(n int) *Signer {
	s := &Signer{}
	for i := 0; i < n; i++ {
		s.keys = append(s.keys, mustKey())
	}
	return s
}

func mustKey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

func (s *Signer) Accounts() []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.Address, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, crypto.PubkeyToAddress(k.PublicKey))
	}
	return out
}

func (s *Signer) Transactor(from common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if crypto.PubkeyToAddress(k.PublicKey) == from {
			return bind.NewKeyedTransactorWithChainID(k, chainID)
		}
	}
	return nil, fmt.Errorf("unknown account %s", from.Hex())
}

func (s *Signer) Subscribe(sink chan<- struct{}) event.Subscription {
	return s.feed.Subscribe(sink)
}

// Rotate drops the first account and appends a new one, then notifies
// subscribers.
func (s *Signer) Rotate() {
	s.mu.Lock()
	if len(s.keys) > 0 {
		s.keys = s.keys[1:]
	}
	s.keys = append(s.keys, mustKey())
	s.mu.Unlock()
	s.feed.Send(struct{}{})
}

// Touch notifies subscribers without changing the account set.
func (s *Signer) Touch() {
	s.feed.Send(struct{}{})
}
