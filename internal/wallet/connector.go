package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ChangeKind names the provider notification that ended a session.
type ChangeKind string

const (
	AccountsChanged ChangeKind = "accountsChanged"
	ChainChanged    ChangeKind = "chainChanged"
)

// Change is delivered once per session on its Changes channel.
type Change struct {
	Kind ChangeKind
	At   time.Time
}

type ConnectorConfig struct {
	RPCURL string
	// PreferredAccount picks the session account when the signer holds more
	// than one. Zero means the first account.
	PreferredAccount common.Address
	// ExpectedChainID rejects other networks when non-nil.
	ExpectedChainID *big.Int
	PollInterval    time.Duration
	Dial            DialFunc
	Logger          *zap.Logger
}

// Connector builds Sessions from a wallet provider.
type Connector struct {
	cfg    ConnectorConfig
	signer Signer
	nextID atomic.Uint64
}

func NewConnector(cfg ConnectorConfig, signer Signer) *Connector {
	if cfg.Dial == nil {
		cfg.Dial = DialEthereum
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Connector{cfg: cfg, signer: signer}
}

// Connect dials the provider, selects the active account and registers the
// account and network change subscriptions. It does not read balances.
func (c *Connector) Connect(ctx context.Context) (*Session, error) {
	if strings.TrimSpace(c.cfg.RPCURL) == "" {
		return nil, NewConnectionError(ErrNoProvider, fmt.Errorf("rpc url is required"))
	}
	if c.signer == nil {
		return nil, NewConnectionError(ErrNoProvider, fmt.Errorf("no signer configured"))
	}

	backend, err := c.cfg.Dial(ctx, c.cfg.RPCURL)
	if err != nil {
		return nil, NewConnectionError(ErrNoProvider, fmt.Errorf("dial rpc: %w", err))
	}

	sess, err := c.open(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Connector) open(ctx context.Context, backend Backend) (*Session, error) {
	accounts := c.signer.Accounts()
	address, ok := selectAccount(accounts, c.cfg.PreferredAccount)
	if !ok {
		return nil, NewConnectionError(ErrNoProvider, fmt.Errorf("no accounts available"))
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, NewConnectionError(ErrNoProvider, fmt.Errorf("fetch chain id: %w", err))
	}
	if c.cfg.ExpectedChainID != nil && c.cfg.ExpectedChainID.Cmp(chainID) != 0 {
		return nil, NewConnectionError(ErrNetworkMismatch,
			fmt.Errorf("want chain %s, provider reports %s", c.cfg.ExpectedChainID, chainID))
	}
	networkID, err := backend.NetworkID(ctx)
	if err != nil {
		return nil, NewConnectionError(ErrNoProvider, fmt.Errorf("fetch network id: %w", err))
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		id:        c.nextID.Add(1),
		backend:   backend,
		signer:    c.signer,
		address:   address,
		chainID:   chainID,
		networkID: networkID,
		changes:   make(chan Change, 1),
		cancel:    cancel,
	}
	log := c.cfg.Logger.With(zap.Uint64("session", sess.id), zap.String("account", address.Hex()))

	sess.wg.Add(2)
	go sess.watchChain(watchCtx, c.cfg.PollInterval, log)
	go sess.watchAccounts(watchCtx, c.cfg.PreferredAccount, log)

	log.Info("wallet connected",
		zap.String("chain_id", chainID.String()),
		zap.String("network_id", networkID.String()))
	return sess, nil
}

func selectAccount(accounts []common.Address, preferred common.Address) (common.Address, bool) {
	if len(accounts) == 0 {
		return common.Address{}, false
	}
	if preferred != (common.Address{}) {
		for _, acc := range accounts {
			if acc == preferred {
				return acc, true
			}
		}
		return common.Address{}, false
	}
	return accounts[0], true
}

// Session is the connection to one account on one network. It ends with the
// first Change; a new Session must be built afterwards.
type Session struct {
	id        uint64
	backend   Backend
	signer    Signer
	address   common.Address
	chainID   *big.Int
	networkID *big.Int

	changes   chan Change
	notify    sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *Session) ID() uint64              { return s.id }
func (s *Session) Address() common.Address { return s.address }
func (s *Session) ChainID() *big.Int       { return new(big.Int).Set(s.chainID) }
func (s *Session) NetworkID() *big.Int     { return new(big.Int).Set(s.networkID) }
func (s *Session) Backend() Backend        { return s.backend }
func (s *Session) Changes() <-chan Change  { return s.changes }

// Transactor returns fresh signing options for the session account.
func (s *Session) Transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := s.signer.Transactor(s.address, s.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

// Close stops the watchers and releases the backend.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.backend.Close()
	})
}

func (s *Session) emit(kind ChangeKind) {
	s.notify.Do(func() {
		s.changes <- Change{Kind: kind, At: time.Now()}
	})
}

func (s *Session) watchChain(ctx context.Context, every time.Duration, log *zap.Logger) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current, err := s.backend.ChainID(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("chain id poll failed", zap.Error(err))
			}
			continue
		}
		if current.Cmp(s.chainID) != 0 {
			log.Info("network changed", zap.String("chain_id", current.String()))
			s.emit(ChainChanged)
			return
		}
	}
}

func (s *Session) watchAccounts(ctx context.Context, preferred common.Address, log *zap.Logger) {
	defer s.wg.Done()
	signals := make(chan struct{}, 1)
	sub := s.signer.Subscribe(signals)
	if sub == nil {
		<-ctx.Done()
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				log.Warn("account subscription ended", zap.Error(err))
			}
			return
		case <-signals:
			selected, ok := selectAccount(s.signer.Accounts(), preferred)
			if !ok || selected != s.address {
				log.Info("accounts changed")
				s.emit(AccountsChanged)
				return
			}
		}
	}
}
