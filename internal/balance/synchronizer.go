package balance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"solidarity/internal/metrics"
)

// MaxShares is the share total across all payees.
const MaxShares = 100

var ErrSharesOutOfRange = errors.New("shares outside 0..100")

// Reader is the read side of the contract gateway.
type Reader interface {
	Shares(ctx context.Context, account common.Address) (*big.Int, error)
	AccountContribution(ctx context.Context, account common.Address) (*big.Int, error)
	Released(ctx context.Context, account common.Address) (*big.Int, error)
	TotalReleased(ctx context.Context) (*big.Int, error)
	ContractBalance(ctx context.Context) (*big.Int, error)
}

// Snapshot is one consistent read of the account and contract state.
// Amounts are in wei. A Snapshot is never modified after publication.
type Snapshot struct {
	Address         common.Address
	Shares          uint64
	Contribution    *big.Int
	AmountReleased  *big.Int
	ContractBalance *big.Int
	TotalReleased   *big.Int
	Generation      uint64
	RefreshedAt     time.Time
}

// ReadError reports which read aborted a refresh.
type ReadError struct {
	Read string
	Err  error
}

func (e *ReadError) Error() string { return fmt.Sprintf("read %s: %v", e.Read, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// Synchronizer mirrors on-chain state for one session account.
type Synchronizer struct {
	reader  Reader
	address common.Address
	log     *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time

	requests chan struct{}
	nextGen  atomic.Uint64

	mu      sync.Mutex
	current *Snapshot
	shares  *uint64
	updates chan struct{}
}

func New(reader Reader, address common.Address, log *zap.Logger, m *metrics.Registry) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		reader:   reader,
		address:  address,
		log:      log.Named("balance").With(zap.String("account", address.Hex())),
		metrics:  m,
		now:      time.Now,
		requests: make(chan struct{}, 1),
		updates:  make(chan struct{}),
	}
}

// Current returns the latest published snapshot, or nil before the first
// successful refresh.
func (s *Synchronizer) Current() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Updates returns a channel closed at the next publish.
func (s *Synchronizer) Updates() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// Request asks the Run loop for a refresh. Requests made while one is
// already queued are folded into it.
func (s *Synchronizer) Request() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// Run refreshes once, then once per Request, until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) {
	s.Request()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.requests:
			// failures are logged and counted inside Refresh
			_, _ = s.Refresh(ctx)
		}
	}
}

// Refresh reads every value and publishes a new snapshot. Any failed read
// fails the whole refresh and leaves the current snapshot in place. A
// refresh that started before the currently published one is discarded and
// the newer snapshot is returned.
func (s *Synchronizer) Refresh(ctx context.Context) (*Snapshot, error) {
	gen := s.nextGen.Add(1)

	var (
		shares        uint64
		contribution  *big.Int
		released      *big.Int
		balance       *big.Int
		totalReleased *big.Int
	)

	cached := s.cachedShares()
	g, gctx := errgroup.WithContext(ctx)
	if cached == nil {
		g.Go(func() error {
			v, err := s.reader.Shares(gctx, s.address)
			if err != nil {
				return &ReadError{Read: "shares", Err: err}
			}
			if !v.IsUint64() || v.Uint64() > MaxShares {
				return &ReadError{Read: "shares", Err: fmt.Errorf("%w: %s", ErrSharesOutOfRange, v)}
			}
			shares = v.Uint64()
			return nil
		})
	} else {
		shares = *cached
	}
	g.Go(func() (err error) {
		contribution, err = s.read(gctx, "contribution", func(ctx context.Context) (*big.Int, error) {
			return s.reader.AccountContribution(ctx, s.address)
		})
		return err
	})
	g.Go(func() (err error) {
		released, err = s.read(gctx, "released", func(ctx context.Context) (*big.Int, error) {
			return s.reader.Released(ctx, s.address)
		})
		return err
	})
	g.Go(func() (err error) {
		balance, err = s.read(gctx, "contract balance", s.reader.ContractBalance)
		return err
	})
	g.Go(func() (err error) {
		totalReleased, err = s.read(gctx, "total released", s.reader.TotalReleased)
		return err
	})

	if err := g.Wait(); err != nil {
		s.metrics.IncRefresh("failed")
		s.log.Warn("balance refresh failed, keeping previous snapshot",
			zap.Uint64("generation", gen), zap.Error(err))
		return nil, err
	}

	snap := &Snapshot{
		Address:         s.address,
		Shares:          shares,
		Contribution:    contribution,
		AmountReleased:  released,
		ContractBalance: balance,
		TotalReleased:   totalReleased,
		Generation:      gen,
		RefreshedAt:     s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shares == nil {
		s.shares = &shares
	}
	if s.current != nil && s.current.Generation > gen {
		s.metrics.IncRefresh("superseded")
		s.log.Debug("discarding superseded refresh",
			zap.Uint64("generation", gen), zap.Uint64("published", s.current.Generation))
		return s.current, nil
	}
	s.current = snap
	close(s.updates)
	s.updates = make(chan struct{})
	s.metrics.IncRefresh("ok")
	s.metrics.SetGeneration(gen)
	return snap, nil
}

func (s *Synchronizer) cachedShares() *uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shares
}

func (s *Synchronizer) read(ctx context.Context, name string, fn func(context.Context) (*big.Int, error)) (*big.Int, error) {
	v, err := fn(ctx)
	if err != nil {
		return nil, &ReadError{Read: name, Err: err}
	}
	if v == nil {
		return nil, &ReadError{Read: name, Err: errors.New("nil result")}
	}
	return v, nil
}
