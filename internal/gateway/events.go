package gateway

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"solidarity/internal/contracts"
)

// Event is a contract notification. The payload is not decoded; receivers
// only learn that on-chain state may have moved.
type Event struct {
	Name   string
	Block  uint64
	TxHash common.Hash
}

func (g *Gateway) eventQuery(from, to *big.Int) ethereum.FilterQuery {
	ids := []common.Hash{
		g.abi.Events[contracts.EventPaymentReceived].ID,
		g.abi.Events[contracts.EventPaymentReleased].ID,
	}
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{g.address},
		Topics:    [][]common.Hash{ids},
	}
}

func (g *Gateway) toEvent(lg types.Log) (Event, bool) {
	if len(lg.Topics) == 0 {
		return Event{}, false
	}
	ev, err := g.abi.EventByID(lg.Topics[0])
	if err != nil {
		return Event{}, false
	}
	return Event{Name: ev.Name, Block: lg.BlockNumber, TxHash: lg.TxHash}, true
}

// Watch delivers PaymentReceived and PaymentReleased notifications to out
// until ctx is done. It subscribes when the transport supports it and falls
// back to polling block ranges otherwise.
func (g *Gateway) Watch(ctx context.Context, out chan<- Event) error {
	if err := g.ready(); err != nil {
		return err
	}

	logs := make(chan types.Log, 16)
	sub, err := g.backend.SubscribeFilterLogs(ctx, g.eventQuery(nil, nil), logs)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		g.log.Debug("log subscriptions unsupported, polling", zap.Duration("interval", g.pollEvery))
		return g.pollLogs(ctx, out)
	}
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case lg := <-logs:
			if ev, ok := g.toEvent(lg); ok {
				if !deliver(ctx, out, ev) {
					return nil
				}
			}
		}
	}
}

func (g *Gateway) pollLogs(ctx context.Context, out chan<- Event) error {
	next, err := g.backend.BlockNumber(ctx)
	if err != nil {
		return err
	}
	next++

	ticker := time.NewTicker(g.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		head, err := g.backend.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.log.Warn("block number poll failed", zap.Error(err))
			continue
		}
		if head < next {
			continue
		}

		found, err := g.backend.FilterLogs(ctx, g.eventQuery(new(big.Int).SetUint64(next), new(big.Int).SetUint64(head)))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.log.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", next), zap.Uint64("to", head))
			continue
		}
		for _, lg := range found {
			if ev, ok := g.toEvent(lg); ok {
				if !deliver(ctx, out, ev) {
					return nil
				}
			}
		}
		next = head + 1
	}
}

func deliver(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
