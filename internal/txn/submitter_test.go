package txn

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solidarity/internal/balance"
	"solidarity/internal/metrics"
)

var payee = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

type fakeWriter struct {
	mu       sync.Mutex
	payments []*big.Int
	releases []common.Address
	nonce    uint64
	sendErr  error
	waitErr  error
	hold     chan struct{}
	entered  chan struct{}
}

func (f *fakeWriter) tx() *types.Transaction {
	f.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: f.nonce, GasPrice: big.NewInt(1), Gas: 21000})
}

func (f *fakeWriter) MakePayment(_ context.Context, value *big.Int) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, value)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.tx(), nil
}

func (f *fakeWriter) Release(_ context.Context, to common.Address) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, to)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.tx(), nil
}

func (f *fakeWriter) Wait(ctx context.Context, _ *types.Transaction) (*types.Receipt, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)}, nil
}

func (f *fakeWriter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payments), len(f.releases)
}

type fakeBalances struct {
	snap     atomic.Pointer[balance.Snapshot]
	requests atomic.Int32
}

func (f *fakeBalances) Current() *balance.Snapshot { return f.snap.Load() }
func (f *fakeBalances) Request()                   { f.requests.Add(1) }

func withdrawable() *fakeBalances {
	b := &fakeBalances{}
	b.snap.Store(&balance.Snapshot{
		Shares:          45,
		Contribution:    new(big.Int),
		AmountReleased:  new(big.Int),
		ContractBalance: big.NewInt(1_000_000),
		TotalReleased:   new(big.Int),
	})
	return b
}

func TestSubmitPaymentRejectsInvalidAmounts(t *testing.T) {
	w := &fakeWriter{}
	b := &fakeBalances{}
	s := NewSubmitter(w, b, payee, nil, metrics.New())

	for _, amount := range []string{"", "abc", "0", "0.0", "-1", "1e18", "0.0000000000000000001"} {
		_, err := s.SubmitPayment(context.Background(), amount)
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}

	payments, _ := w.counts()
	assert.Zero(t, payments)
	assert.Zero(t, b.requests.Load())
	assert.Equal(t, PhaseIdle, s.Status().Payment.Phase)
}

func TestSubmitPaymentSuccess(t *testing.T) {
	w := &fakeWriter{}
	b := &fakeBalances{}
	s := NewSubmitter(w, b, payee, nil, nil)

	res, err := s.SubmitPayment(context.Background(), "1.5")
	require.NoError(t, err)
	assert.Equal(t, KindPayment, res.Kind)
	assert.Equal(t, "1500000000000000000", res.Value.String())
	assert.Equal(t, uint64(7), res.Block)
	assert.NotEmpty(t, res.TxHash)

	st := s.Status().Payment
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, res.TxHash, st.LastTxHash)
	assert.Equal(t, int32(1), b.requests.Load())
}

func TestSubmitPaymentFailureParksInFailed(t *testing.T) {
	w := &fakeWriter{sendErr: errors.New("user rejected")}
	b := &fakeBalances{}
	s := NewSubmitter(w, b, payee, nil, nil)

	_, err := s.SubmitPayment(context.Background(), "1")
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, KindPayment, werr.Kind)
	assert.Equal(t, PhaseFailed, s.Status().Payment.Phase)
	assert.Equal(t, int32(1), b.requests.Load())

	// a failed payment may be retried
	w.mu.Lock()
	w.sendErr = nil
	w.mu.Unlock()
	_, err = s.SubmitPayment(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, s.Status().Payment.Phase)
}

func TestSubmitPaymentSingleWritePerPendingCycle(t *testing.T) {
	w := &fakeWriter{hold: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := NewSubmitter(w, &fakeBalances{}, payee, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.SubmitPayment(context.Background(), "2")
		done <- err
	}()

	select {
	case <-w.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("payment never reached wait")
	}
	st := s.Status().Payment
	assert.Equal(t, PhasePending, st.Phase)
	assert.Equal(t, "2", st.PendingAmount)

	for i := 0; i < 3; i++ {
		_, err := s.SubmitPayment(context.Background(), "2")
		assert.ErrorIs(t, err, ErrPending)
	}
	payments, _ := w.counts()
	assert.Equal(t, 1, payments)

	close(w.hold)
	require.NoError(t, <-done)
	assert.Equal(t, PhaseIdle, s.Status().Payment.Phase)
}

func TestSubmitReleaseRequiresWithdrawable(t *testing.T) {
	w := &fakeWriter{}
	b := &fakeBalances{}
	s := NewSubmitter(w, b, payee, nil, nil)

	_, err := s.SubmitRelease(context.Background())
	assert.ErrorIs(t, err, ErrNothingToWithdraw)

	b.snap.Store(&balance.Snapshot{
		Shares:          45,
		AmountReleased:  big.NewInt(450),
		ContractBalance: big.NewInt(550),
		TotalReleased:   big.NewInt(450),
	})
	_, err = s.SubmitRelease(context.Background())
	assert.ErrorIs(t, err, ErrNothingToWithdraw)

	_, releases := w.counts()
	assert.Zero(t, releases)
}

func TestSubmitReleaseSendsForSessionAccount(t *testing.T) {
	w := &fakeWriter{}
	b := withdrawable()
	s := NewSubmitter(w, b, payee, nil, nil)

	res, err := s.SubmitRelease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindRelease, res.Kind)

	w.mu.Lock()
	assert.Equal(t, []common.Address{payee}, w.releases)
	w.mu.Unlock()
	assert.Equal(t, int32(1), b.requests.Load())
}

func TestSubmitReleaseFailureReturnsToIdle(t *testing.T) {
	w := &fakeWriter{waitErr: errors.New("execution reverted")}
	s := NewSubmitter(w, withdrawable(), payee, nil, nil)

	_, err := s.SubmitRelease(context.Background())
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.NotEmpty(t, werr.TxHash)
	st := s.Status().Release
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, werr.TxHash, st.LastTxHash)
}

func waitEntered(t *testing.T, w *fakeWriter, what string) {
	t.Helper()
	select {
	case <-w.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never reached wait", what)
	}
}

func TestSubmitReleaseSingleWritePerPendingCycle(t *testing.T) {
	w := &fakeWriter{hold: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := NewSubmitter(w, withdrawable(), payee, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.SubmitRelease(context.Background())
		done <- err
	}()
	waitEntered(t, w, "release")
	assert.Equal(t, PhasePending, s.Status().Release.Phase)

	for i := 0; i < 3; i++ {
		_, err := s.SubmitRelease(context.Background())
		assert.ErrorIs(t, err, ErrPending)
	}
	_, releases := w.counts()
	assert.Equal(t, 1, releases)

	close(w.hold)
	require.NoError(t, <-done)
	assert.Equal(t, PhaseIdle, s.Status().Release.Phase)
}

func TestPaymentAndReleaseDoNotBlockEachOther(t *testing.T) {
	w := &fakeWriter{hold: make(chan struct{}), entered: make(chan struct{}, 2)}
	s := NewSubmitter(w, withdrawable(), payee, nil, nil)

	released := make(chan error, 1)
	go func() {
		_, err := s.SubmitRelease(context.Background())
		released <- err
	}()
	waitEntered(t, w, "release")

	paid := make(chan error, 1)
	go func() {
		_, err := s.SubmitPayment(context.Background(), "1")
		paid <- err
	}()
	waitEntered(t, w, "payment")

	st := s.Status()
	assert.Equal(t, PhasePending, st.Release.Phase)
	assert.Equal(t, PhasePending, st.Payment.Phase)
	payments, releases := w.counts()
	assert.Equal(t, 1, payments)
	assert.Equal(t, 1, releases)

	close(w.hold)
	require.NoError(t, <-released)
	require.NoError(t, <-paid)
	st = s.Status()
	assert.Equal(t, PhaseIdle, st.Release.Phase)
	assert.Equal(t, PhaseIdle, st.Payment.Phase)
}

func TestMachineTransitions(t *testing.T) {
	m := NewMachine(KindPayment)
	require.NoError(t, m.Begin("1"))
	assert.True(t, m.Pending())
	assert.ErrorIs(t, m.Begin("1"), ErrPending)
	m.Fail("")
	assert.Equal(t, PhaseFailed, m.State().Phase)
	require.NoError(t, m.Begin("3"))
	m.Succeed("0xabc")
	assert.Equal(t, State{Kind: KindPayment, Phase: PhaseIdle, LastTxHash: "0xabc"}, m.State())
}
