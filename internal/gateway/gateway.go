package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"solidarity/internal/contracts"
	"solidarity/internal/wallet"
)

var ErrReverted = errors.New("transaction reverted")

// Backend is what the gateway needs from the wallet provider.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// TransactorFunc yields signing options for the session account.
type TransactorFunc func(ctx context.Context) (*bind.TransactOpts, error)

type Config struct {
	Backend    Backend
	NetworkID  *big.Int
	Artifact   *contracts.Artifact
	Transactor TransactorFunc
	// Address overrides the artifact lookup when set.
	Address      common.Address
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Gateway wraps the SolidarityEconomy contract deployed on one network.
type Gateway struct {
	backend    Backend
	contract   *bind.BoundContract
	abi        abi.ABI
	address    common.Address
	deployed   bool
	networkID  *big.Int
	transactor TransactorFunc
	pollEvery  time.Duration
	log        *zap.Logger
}

// New binds the contract for cfg.NetworkID. A network without a deployment
// still yields a Gateway, but every call on it fails with
// wallet.ErrContractNotDeployed.
func New(cfg Config) (*Gateway, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	art := cfg.Artifact
	if art == nil {
		art = contracts.DefaultArtifact()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	address, deployed := cfg.Address, cfg.Address != (common.Address{})
	if !deployed {
		address, deployed = art.AddressFor(cfg.NetworkID)
	}

	g := &Gateway{
		backend:    cfg.Backend,
		abi:        art.ABI,
		address:    address,
		deployed:   deployed,
		networkID:  cfg.NetworkID,
		transactor: cfg.Transactor,
		pollEvery:  cfg.PollInterval,
		log:        cfg.Logger.Named("gateway"),
	}
	if deployed {
		g.contract = bind.NewBoundContract(address, art.ABI, cfg.Backend, cfg.Backend, cfg.Backend)
	}
	return g, nil
}

// ForSession builds a Gateway on top of a wallet session.
func ForSession(sess *wallet.Session, art *contracts.Artifact, override common.Address, poll time.Duration, log *zap.Logger) (*Gateway, error) {
	return New(Config{
		Backend:      sess.Backend(),
		NetworkID:    sess.NetworkID(),
		Artifact:     art,
		Transactor:   sess.Transactor,
		Address:      override,
		PollInterval: poll,
		Logger:       log,
	})
}

// Address returns the contract address and whether a deployment was found.
func (g *Gateway) Address() (common.Address, bool) {
	return g.address, g.deployed
}

func (g *Gateway) ready() error {
	if !g.deployed {
		netID := "unknown"
		if g.networkID != nil {
			netID = g.networkID.String()
		}
		return wallet.NewConnectionError(wallet.ErrContractNotDeployed, fmt.Errorf("network id %s", netID))
	}
	return nil
}

func (g *Gateway) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return out, nil
}

func (g *Gateway) callUint(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	out, err := g.call(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("call %s: unexpected output type %T", method, out[0])
	}
	return v, nil
}

func (g *Gateway) Description(ctx context.Context) (string, error) {
	out, err := g.call(ctx, contracts.MethodGetDescription)
	if err != nil {
		return "", err
	}
	v, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("call %s: unexpected output type %T", contracts.MethodGetDescription, out[0])
	}
	return v, nil
}

func (g *Gateway) Shares(ctx context.Context, account common.Address) (*big.Int, error) {
	return g.callUint(ctx, contracts.MethodShares, account)
}

func (g *Gateway) AccountContribution(ctx context.Context, account common.Address) (*big.Int, error) {
	return g.callUint(ctx, contracts.MethodGetAccountContribution, account)
}

func (g *Gateway) Released(ctx context.Context, account common.Address) (*big.Int, error) {
	return g.callUint(ctx, contracts.MethodReleased, account)
}

func (g *Gateway) TotalReleased(ctx context.Context) (*big.Int, error) {
	return g.callUint(ctx, contracts.MethodTotalReleased)
}

// ContractBalance is the wallet balance held at the contract address.
func (g *Gateway) ContractBalance(ctx context.Context) (*big.Int, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	bal, err := g.backend.BalanceAt(ctx, g.address, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", g.address.Hex(), err)
	}
	return bal, nil
}

func (g *Gateway) transact(ctx context.Context, value *big.Int, method string, params ...interface{}) (*types.Transaction, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if g.transactor == nil {
		return nil, fmt.Errorf("gateway is read-only")
	}
	opts, err := g.transactor(ctx)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value
	opts.GasLimit = 0 // let node estimate

	tx, err := g.contract.Transact(opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}
	g.log.Info("transaction sent",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
		zap.String("from", opts.From.Hex()))
	return tx, nil
}

// MakePayment sends value to the contract's payable makePayment method.
func (g *Gateway) MakePayment(ctx context.Context, value *big.Int) (*types.Transaction, error) {
	if value == nil || value.Sign() <= 0 {
		return nil, fmt.Errorf("payment value must be positive")
	}
	return g.transact(ctx, value, contracts.MethodMakePayment)
}

// Release asks the contract to pay out payee's unreleased share.
func (g *Gateway) Release(ctx context.Context, payee common.Address) (*types.Transaction, error) {
	return g.transact(ctx, nil, contracts.MethodRelease, payee)
}

// Wait polls until the transaction is mined or ctx is cancelled. A mined
// but failed transaction returns ErrReverted.
func (g *Gateway) Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(g.pollEvery)
	defer ticker.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ping checks that the RPC endpoint answers.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.backend.BlockNumber(ctx)
	return err
}
