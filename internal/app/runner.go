// Package app ties wallet sessions to the per-session gateway, balance
// synchronizer and transaction submitter, rebuilding all of them whenever
// the provider reports an account or network change.
package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"solidarity/internal/balance"
	"solidarity/internal/contracts"
	"solidarity/internal/gateway"
	"solidarity/internal/metrics"
	"solidarity/internal/txn"
	"solidarity/internal/wallet"
)

// ErrNotConnected is reported before the first connection attempt settles.
var ErrNotConnected = errors.New("wallet not connected")

// Connector opens wallet sessions.
type Connector interface {
	Connect(ctx context.Context) (*wallet.Session, error)
}

type Config struct {
	Connector Connector
	Artifact  *contracts.Artifact
	// ContractAddress overrides the artifact deployment when set.
	ContractAddress   common.Address
	PollInterval      time.Duration
	ReconnectInterval time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.Registry
}

// Runtime is everything built for one wallet session. It is never reused
// once its session ends.
type Runtime struct {
	SessionID   uint64
	RunID       string
	Address     common.Address
	NetworkID   *big.Int
	Description string
	Gateway     *gateway.Gateway
	Balances    *balance.Synchronizer
	Submitter   *txn.Submitter

	ctx context.Context
}

// Context is cancelled when the session ends.
func (rt *Runtime) Context() context.Context { return rt.ctx }

// Ping checks that the session's provider still answers.
func (rt *Runtime) Ping(ctx context.Context) error { return rt.Gateway.Ping(ctx) }

// Runner keeps at most one Runtime published at a time.
type Runner struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	current *Runtime
	banner  error
	changed chan struct{}
}

func NewRunner(cfg Config) *Runner {
	if cfg.Artifact == nil {
		cfg.Artifact = contracts.DefaultArtifact()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		log:     cfg.Logger.Named("app"),
		banner:  ErrNotConnected,
		changed: make(chan struct{}),
	}
}

// Current returns the published runtime, or the error that explains why
// there is none.
func (r *Runner) Current() (*Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return r.current, nil
	}
	return nil, r.banner
}

// Wait blocks until a runtime is published or a connection attempt fails.
func (r *Runner) Wait(ctx context.Context) (*Runtime, error) {
	for {
		r.mu.Lock()
		rt, banner, changed := r.current, r.banner, r.changed
		r.mu.Unlock()
		if rt != nil {
			return rt, nil
		}
		if !errors.Is(banner, ErrNotConnected) {
			return nil, banner
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Next blocks until a runtime other than prev is published. Banner errors
// in between do not end the wait.
func (r *Runner) Next(ctx context.Context, prev *Runtime) (*Runtime, error) {
	for {
		r.mu.Lock()
		rt, changed := r.current, r.changed
		r.mu.Unlock()
		if rt != nil && rt != prev {
			return rt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (r *Runner) publish(rt *Runtime, banner error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = rt
	r.banner = banner
	close(r.changed)
	r.changed = make(chan struct{})
}

// Run connects, serves the session until the provider reports a change, and
// starts over. It returns when ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	defer r.publish(nil, ErrNotConnected)
	for {
		reason := r.serve(ctx)
		r.cfg.Metrics.IncSession(reason)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// serve runs one session pass and names why it ended.
func (r *Runner) serve(ctx context.Context) string {
	sess, err := r.cfg.Connector.Connect(ctx)
	if err != nil {
		r.log.Warn("wallet connection failed", zap.Error(err))
		r.publish(nil, err)
		r.pause(ctx, nil)
		return "connect_failed"
	}
	defer sess.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	rt, err := r.build(sessCtx, sess)
	if err != nil {
		r.log.Warn("session setup failed", zap.Uint64("session", sess.ID()), zap.Error(err))
		r.publish(nil, err)
		if change, ok := r.pause(ctx, sess.Changes()); ok {
			return string(change.Kind)
		}
		return "setup_failed"
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		rt.Balances.Run(sessCtx)
	}()
	go func() {
		defer wg.Done()
		r.watch(sessCtx, rt)
	}()

	r.publish(rt, nil)
	r.log.Info("session ready",
		zap.Uint64("session", rt.SessionID),
		zap.String("run_id", rt.RunID),
		zap.String("account", rt.Address.Hex()),
		zap.String("network_id", rt.NetworkID.String()))

	select {
	case <-ctx.Done():
		r.publish(nil, ErrNotConnected)
		return "shutdown"
	case change := <-sess.Changes():
		r.publish(nil, ErrNotConnected)
		r.log.Info("session ended", zap.Uint64("session", rt.SessionID), zap.String("reason", string(change.Kind)))
		return string(change.Kind)
	}
}

func (r *Runner) build(ctx context.Context, sess *wallet.Session) (*Runtime, error) {
	gw, err := gateway.ForSession(sess, r.cfg.Artifact, r.cfg.ContractAddress, r.cfg.PollInterval, r.cfg.Logger)
	if err != nil {
		return nil, err
	}
	desc, err := gw.Description(ctx)
	if err != nil {
		return nil, err
	}
	bal := balance.New(gw, sess.Address(), r.cfg.Logger, r.cfg.Metrics)
	return &Runtime{
		SessionID:   sess.ID(),
		RunID:       uuid.NewString(),
		Address:     sess.Address(),
		NetworkID:   sess.NetworkID(),
		Description: desc,
		Gateway:     gw,
		Balances:    bal,
		Submitter:   txn.NewSubmitter(gw, bal, sess.Address(), r.cfg.Logger, r.cfg.Metrics),
		ctx:         ctx,
	}, nil
}

// watch turns contract events into refresh requests. A failed watch is
// restarted after the reconnect interval.
func (r *Runner) watch(ctx context.Context, rt *Runtime) {
	events := make(chan gateway.Event, 16)
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			err := rt.Gateway.Watch(ctx, events)
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("event watch stopped", zap.Uint64("session", rt.SessionID), zap.Error(err))
			r.pause(ctx, nil)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			r.cfg.Metrics.IncEvent(ev.Name)
			r.log.Debug("contract event", zap.String("event", ev.Name), zap.Uint64("block", ev.Block))
			rt.Balances.Request()
		}
	}
}

// pause waits out the reconnect interval. It returns early with the change
// when one arrives on changes.
func (r *Runner) pause(ctx context.Context, changes <-chan wallet.Change) (wallet.Change, bool) {
	t := time.NewTimer(r.cfg.ReconnectInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case change := <-changes:
		return change, true
	}
	return wallet.Change{}, false
}
