package txn

import (
	"errors"
	"sync"
)

type Kind string

const (
	KindPayment Kind = "payment"
	KindRelease Kind = "release"
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePending Phase = "pending"
	PhaseFailed  Phase = "failed"
)

var ErrPending = errors.New("a transaction of this kind is already pending")

// State is a point-in-time copy of a Machine.
type State struct {
	Kind          Kind   `json:"kind"`
	Phase         Phase  `json:"phase"`
	PendingAmount string `json:"pendingAmount,omitempty"`
	LastTxHash    string `json:"lastTxHash,omitempty"`
}

// Machine is the Idle -> Pending -> (Idle | Failed) lifecycle of one
// operation kind. At most one transaction per Machine is in flight.
type Machine struct {
	mu        sync.Mutex
	kind      Kind
	failPhase Phase
	phase     Phase
	amount    string
	lastTx    string
}

// NewMachine returns an idle machine. Failed payments park in PhaseFailed;
// failed releases return straight to PhaseIdle.
func NewMachine(kind Kind) *Machine {
	fail := PhaseFailed
	if kind == KindRelease {
		fail = PhaseIdle
	}
	return &Machine{kind: kind, failPhase: fail, phase: PhaseIdle}
}

// Begin moves to Pending. It fails with ErrPending while a transaction is
// in flight.
func (m *Machine) Begin(amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhasePending {
		return ErrPending
	}
	m.phase = PhasePending
	m.amount = amount
	return nil
}

// Succeed settles the pending transaction.
func (m *Machine) Succeed(txHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseIdle
	m.amount = ""
	m.lastTx = txHash
}

// Fail settles the pending transaction as failed. The error itself is
// handed back to the caller, not kept here.
func (m *Machine) Fail(txHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = m.failPhase
	m.amount = ""
	if txHash != "" {
		m.lastTx = txHash
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Kind: m.kind, Phase: m.phase, PendingAmount: m.amount, LastTxHash: m.lastTx}
}

func (m *Machine) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhasePending
}
