// Package chaintest provides an in-process wallet backend that answers
// contract calls from Go handlers. It is used by tests across the module.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
)

// CallHandler answers one contract method. args are the decoded inputs.
type CallHandler func(args []interface{}) ([]interface{}, error)

// Backend is a scriptable stand-in for *ethclient.Client.
type Backend struct {
	mu sync.Mutex

	abi       abi.ABI
	chainID   *big.Int
	networkID *big.Int
	head      uint64
	balances  map[common.Address]*big.Int
	handlers  map[string]CallHandler
	logs      []types.Log
	sent      []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	subs      []chan<- types.Log

	sendErr       error
	revert        bool
	holdReceipts  bool
	subscriptions bool
	chainIDErr    error
	closed        int
}

func NewBackend(contractABI abi.ABI, chainID int64) *Backend {
	return &Backend{
		abi:       contractABI,
		chainID:   big.NewInt(chainID),
		networkID: big.NewInt(chainID),
		balances:  make(map[common.Address]*big.Int),
		handlers:  make(map[string]CallHandler),
		receipts:  make(map[common.Hash]*types.Receipt),
		head:      1,
	}
}

// Handle registers the answer for a contract method.
func (b *Backend) Handle(method string, h CallHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// Returns registers a method that always answers with fixed values.
func (b *Backend) Returns(method string, values ...interface{}) {
	b.Handle(method, func([]interface{}) ([]interface{}, error) { return values, nil })
}

func (b *Backend) SetBalance(addr common.Address, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(wei)
}

func (b *Backend) SetChainID(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chainID = big.NewInt(id)
}

func (b *Backend) SetNetworkID(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.networkID = big.NewInt(id)
}

// FailSends makes SendTransaction return err.
func (b *Backend) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// RevertSends marks receipts of later transactions as failed.
func (b *Backend) RevertSends(revert bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revert = revert
}

// HoldReceipts keeps every receipt unavailable while hold is set, so
// writes stay pending.
func (b *Backend) HoldReceipts(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdReceipts = hold
}

// EnableSubscriptions makes SubscribeFilterLogs work. Without it the
// backend reports rpc.ErrNotificationsUnsupported like a plain HTTP endpoint.
func (b *Backend) EnableSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = true
}

func (b *Backend) FailChainID(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chainIDErr = err
}

// EmitEvent appends a log for the named event at a new block and pushes
// it to live subscribers.
func (b *Backend) EmitEvent(contract common.Address, name string) {
	b.mu.Lock()
	ev, ok := b.abi.Events[name]
	if !ok {
		b.mu.Unlock()
		panic(fmt.Sprintf("unknown event %s", name))
	}
	b.head++
	lg := types.Log{
		Address:     contract,
		Topics:      []common.Hash{ev.ID},
		BlockNumber: b.head,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(b.head)),
	}
	b.logs = append(b.logs, lg)
	subs := append([]chan<- types.Log(nil), b.subs...)
	b.mu.Unlock()

	for _, ch := range subs {
		ch <- lg
	}
}

// Sent returns the transactions received so far.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

func (b *Backend) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if len(call.Data) < 4 {
		return nil, errors.New("missing selector")
	}
	method, err := b.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	h, ok := b.handlers[method.Name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution reverted: no handler for %s", method.Name)
	}
	out, err := h(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(b.head)}, nil
}

func (b *Backend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return b.CodeAt(ctx, account, nil)
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.head++
	status := types.ReceiptStatusSuccessful
	if b.revert {
		status = types.ReceiptStatusFailed
	}
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.head),
	}
	return nil
}

func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Log
	for _, lg := range b.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (b *Backend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.subscriptions {
		return nil, rpc.ErrNotificationsUnsupported
	}
	b.subs = append(b.subs, ch)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		return nil
	}), nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok || b.holdReceipts {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chainIDErr != nil {
		return nil, b.chainIDErr
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) NetworkID(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.networkID), nil
}

func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
}
