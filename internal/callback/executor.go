// Package callback implements the Callback Executor (C7): on its own
// cadence, drives in-flight rebalance operations from PENDING through
// AWAITING_CALLBACK to COMPLETED by polling the owning bridge adapter.
package callback

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/marklabs/mark/internal/bridge"
	"github.com/marklabs/mark/internal/chainsvc"
	"github.com/marklabs/mark/internal/store/earmarks"
	"github.com/marklabs/mark/internal/store/rebalanceops"
	mt "github.com/marklabs/mark/internal/types"
	"github.com/marklabs/mark/internal/util/stopwaiter"
)

// Submitter is the Transaction Submitter's contract, as the executor
// needs it: submit a prepared callback transaction and get back its
// confirmed result.
type Submitter interface {
	Submit(ctx context.Context, chain mt.ChainID, from, to common.Address, data []byte, value *big.Int, cfg *mt.ScopedExecutionConfig) (*chainsvc.SubmitResult, error)
}

// Config is the executor's tick configuration.
type Config struct {
	TickInterval time.Duration
}

// Executor runs the callback tick loop.
type Executor struct {
	stopwaiter.StopWaiter

	cfg Config

	opsSt     *rebalanceops.Store
	earmarkSt *earmarks.Store
	registry  *bridge.Registry
	routes    map[routeKey]mt.Route
	chains    map[mt.ChainID]mt.ChainConfig
	ownAddress common.Address
	sub       Submitter
}

type routeKey struct {
	origin      mt.ChainID
	destination mt.ChainID
	asset       mt.TickerHash
}

// New builds an Executor over the configured routes, used to recover
// the full Route (including bridge preferences) an operation was sent
// under from its (origin, destination, asset) triple.
func New(cfg Config, opsSt *rebalanceops.Store, earmarkSt *earmarks.Store, registry *bridge.Registry, routes []mt.Route, chains map[mt.ChainID]mt.ChainConfig, ownAddress common.Address, sub Submitter) *Executor {
	rk := make(map[routeKey]mt.Route, len(routes))
	for _, r := range routes {
		rk[routeKey{origin: r.Origin, destination: r.Destination, asset: r.Asset}] = r
	}
	return &Executor{
		cfg:        cfg,
		opsSt:      opsSt,
		earmarkSt:  earmarkSt,
		registry:   registry,
		routes:     rk,
		chains:     chains,
		ownAddress: ownAddress,
		sub:        sub,
	}
}

// Start launches the tick loop.
func (e *Executor) Start(ctx context.Context) error {
	if err := e.StopWaiter.Start(ctx); err != nil {
		return err
	}
	e.CallIteratively(func(ctx context.Context) time.Duration {
		if err := e.Tick(ctx); err != nil {
			log.Warn("callback: tick failed", "err", err)
		}
		return e.cfg.TickInterval
	})
	return nil
}

// Tick advances every PENDING or AWAITING_CALLBACK operation one step.
func (e *Executor) Tick(ctx context.Context) error {
	ops, err := e.opsSt.GetOperations(mt.OperationFilter{
		Statuses: []mt.OperationStatus{mt.OpPending, mt.OpAwaitingCallback},
	})
	if err != nil {
		return err
	}

	anyCompleted := make(map[string]bool)

	for _, op := range ops {
		completed, err := e.advance(ctx, op)
		if err != nil {
			log.Warn("callback: advance failed", "opId", op.ID, "err", err)
			continue
		}
		if completed && op.EarmarkID != nil {
			anyCompleted[*op.EarmarkID] = true
		}
	}

	for earmarkID := range anyCompleted {
		if err := e.promoteIfAllCompleted(earmarkID); err != nil {
			log.Warn("callback: earmark promotion failed", "earmarkId", earmarkID, "err", err)
		}
	}

	return nil
}

// advance runs one lifecycle step for a single operation, returning
// whether it reached COMPLETED this call.
func (e *Executor) advance(ctx context.Context, op mt.RebalanceOperation) (bool, error) {
	originReceipt, ok := op.Transactions[op.OriginChainID]
	if !ok || originReceipt.Receipt == "" {
		log.Warn("callback: operation missing origin receipt, skipping", "opId", op.ID)
		return false, nil
	}

	route, ok := e.routes[routeKey{origin: op.OriginChainID, destination: op.DestinationChainID, asset: op.TickerHash}]
	if !ok {
		route = mt.Route{Origin: op.OriginChainID, Destination: op.DestinationChainID, Asset: op.TickerHash}
	}

	adapter, err := e.registry.Get(op.Bridge)
	if err != nil {
		return false, err
	}

	amount, ok := new(big.Int).SetString(op.Amount, 10)
	if !ok {
		return false, errors.Errorf("operation %s: malformed amount %q", op.ID, op.Amount)
	}

	switch op.Status {
	case mt.OpPending:
		ready, err := adapter.DestinationReady(ctx, amount, route, originReceipt.Receipt)
		if err != nil || !ready {
			return false, nil
		}
		status := mt.OpAwaitingCallback
		if _, err := e.opsSt.UpdateOperation(op.ID, rebalanceops.UpdateInput{Status: &status}); err != nil {
			return false, err
		}
		return false, nil

	case mt.OpAwaitingCallback:
		tx, err := adapter.DestinationCallback(ctx, route, originReceipt.Receipt)
		if err != nil {
			return false, nil
		}
		if tx == nil {
			status := mt.OpCompleted
			if _, err := e.opsSt.UpdateOperation(op.ID, rebalanceops.UpdateInput{Status: &status}); err != nil {
				return false, err
			}
			return true, nil
		}

		to := common.HexToAddress(tx.To)
		cfg := e.chains[op.DestinationChainID].ScopedExecution
		result, err := e.sub.Submit(ctx, op.DestinationChainID, e.ownAddress, to, tx.Data, tx.Value, cfg)
		if err != nil {
			log.Warn("callback: destination tx submission failed, retrying next tick", "opId", op.ID, "err", err)
			return false, nil
		}

		status := mt.OpCompleted
		_, err = e.opsSt.UpdateOperation(op.ID, rebalanceops.UpdateInput{
			Status:   &status,
			TxHashes: map[mt.ChainID]mt.TxRecord{op.DestinationChainID: {Hash: result.Hash.Hex(), Receipt: result.Hash.Hex()}},
		})
		if err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// promoteIfAllCompleted implements earmark promotion: once every
// operation an earmark owns is COMPLETED, the earmark moves to READY.
func (e *Executor) promoteIfAllCompleted(earmarkID string) error {
	earmark, err := e.earmarkSt.GetEarmark(earmarkID)
	if err != nil {
		return err
	}
	if earmark.Status != mt.EarmarkPending {
		return nil
	}

	ops, err := e.opsSt.GetOperations(mt.OperationFilter{})
	if err != nil {
		return err
	}
	any := false
	for _, op := range ops {
		if op.EarmarkID == nil || *op.EarmarkID != earmarkID {
			continue
		}
		any = true
		if op.Status != mt.OpCompleted {
			return nil
		}
	}
	if !any {
		return nil
	}
	return e.earmarkSt.UpdateEarmarkStatus(earmarkID, mt.EarmarkReady)
}
