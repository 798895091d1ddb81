package txn

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"solidarity/internal/balance"
	"solidarity/internal/metrics"
	"solidarity/internal/units"
	"solidarity/internal/view"
)

var (
	ErrInvalidAmount     = errors.New("amount must be a positive number")
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
)

// Writer is the write side of the contract gateway.
type Writer interface {
	MakePayment(ctx context.Context, value *big.Int) (*types.Transaction, error)
	Release(ctx context.Context, payee common.Address) (*types.Transaction, error)
	Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Balances is the synchronizer as seen by the submitter.
type Balances interface {
	Current() *balance.Snapshot
	Request()
}

// WriteError wraps a rejected, reverted or unsigned transaction.
type WriteError struct {
	Kind   Kind
	TxHash string
	Err    error
}

func (e *WriteError) Error() string { return fmt.Sprintf("%s failed: %v", e.Kind, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Result describes a settled transaction.
type Result struct {
	Kind   Kind
	TxHash string
	Value  *big.Int
	Block  uint64
}

type Status struct {
	Payment State `json:"payment"`
	Release State `json:"release"`
}

// Submitter drives the payment and release transactions of one session.
type Submitter struct {
	writer   Writer
	balances Balances
	address  common.Address
	payment  *Machine
	release  *Machine
	log      *zap.Logger
	metrics  *metrics.Registry
}

func NewSubmitter(w Writer, b Balances, address common.Address, log *zap.Logger, m *metrics.Registry) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{
		writer:   w,
		balances: b,
		address:  address,
		payment:  NewMachine(KindPayment),
		release:  NewMachine(KindRelease),
		log:      log.Named("txn").With(zap.String("account", address.Hex())),
		metrics:  m,
	}
}

func (s *Submitter) Status() Status {
	return Status{Payment: s.payment.State(), Release: s.release.State()}
}

// ParseAmount validates a user supplied ether amount and converts it to wei.
func ParseAmount(amount string) (*big.Int, error) {
	wei, err := units.ParseEther(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if wei.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return wei, nil
}

// SubmitPayment sends amount ether to the contract and waits for it to be
// mined. Invalid amounts are rejected before anything is sent.
func (s *Submitter) SubmitPayment(ctx context.Context, amount string) (Result, error) {
	value, err := ParseAmount(amount)
	if err != nil {
		return Result{}, err
	}
	if err := s.payment.Begin(amount); err != nil {
		return Result{}, err
	}
	defer s.balances.Request()

	res, err := s.execute(ctx, KindPayment, func() (*types.Transaction, error) {
		return s.writer.MakePayment(ctx, value)
	})
	if err != nil {
		s.payment.Fail(res.TxHash)
		return res, err
	}
	res.Value = value
	s.payment.Succeed(res.TxHash)
	return res, nil
}

// SubmitRelease withdraws the session account's unreleased share. It is
// refused while the current snapshot shows nothing to withdraw.
func (s *Submitter) SubmitRelease(ctx context.Context) (Result, error) {
	if !view.Compute(s.balances.Current()).CanWithdraw {
		return Result{}, ErrNothingToWithdraw
	}
	if err := s.release.Begin(""); err != nil {
		return Result{}, err
	}
	defer s.balances.Request()

	res, err := s.execute(ctx, KindRelease, func() (*types.Transaction, error) {
		return s.writer.Release(ctx, s.address)
	})
	if err != nil {
		s.release.Fail(res.TxHash)
		return res, err
	}
	s.release.Succeed(res.TxHash)
	return res, nil
}

func (s *Submitter) execute(ctx context.Context, kind Kind, send func() (*types.Transaction, error)) (Result, error) {
	res := Result{Kind: kind}

	tx, err := send()
	if err != nil {
		s.metrics.IncTransaction(string(kind), "rejected")
		s.log.Warn("transaction rejected", zap.String("kind", string(kind)), zap.Error(err))
		return res, &WriteError{Kind: kind, Err: err}
	}
	res.TxHash = tx.Hash().Hex()

	receipt, err := s.writer.Wait(ctx, tx)
	if err != nil {
		s.metrics.IncTransaction(string(kind), "failed")
		s.log.Warn("transaction failed", zap.String("kind", string(kind)), zap.String("tx", res.TxHash), zap.Error(err))
		return res, &WriteError{Kind: kind, TxHash: res.TxHash, Err: err}
	}
	if receipt != nil && receipt.BlockNumber != nil {
		res.Block = receipt.BlockNumber.Uint64()
	}
	s.metrics.IncTransaction(string(kind), "ok")
	s.log.Info("transaction mined", zap.String("kind", string(kind)), zap.String("tx", res.TxHash), zap.Uint64("block", res.Block))
	return res, nil
}
