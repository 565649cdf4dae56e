// Package processor implements the Invoice Processor (C6): the
// periodic tick that reconciles outstanding invoices against current
// positions and, for invoices it cannot already fill, invokes the
// planner and executes the resulting rebalance plan.
package processor

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/marklabs/mark/internal/balances"
	"github.com/marklabs/mark/internal/bridge"
	"github.com/marklabs/mark/internal/errkind"
	"github.com/marklabs/mark/internal/hubsvc"
	"github.com/marklabs/mark/internal/planner"
	"github.com/marklabs/mark/internal/policy"
	"github.com/marklabs/mark/internal/store/earmarks"
	"github.com/marklabs/mark/internal/store/rebalanceops"
	"github.com/marklabs/mark/internal/submitter"
	mt "github.com/marklabs/mark/internal/types"
	"github.com/marklabs/mark/internal/util/stopwaiter"
)

// Purchaser executes the direct-purchase path on chain using the
// invoice's earmarked or owned liquidity. The purchase mechanism
// itself is external to this engine, which has no on-chain contracts
// of its own; the processor only needs to know whether it succeeded.
type Purchaser interface {
	Purchase(ctx context.Context, invoice mt.Invoice, chain mt.ChainID, useEarmark bool) (bool, error)
}

// RecipientResolver resolves the address a bridge send should credit
// on the destination chain: the scoped-execution wallet if the
// destination chain is configured with one, else the agent's own
// address.
type RecipientResolver interface {
	Recipient(chain mt.ChainID) string
}

// Config is the processor's tick configuration.
type Config struct {
	TickInterval           time.Duration
	StandaloneOrphanPolicy string // "orphan" | "leave"
}

// Processor runs the invoice tick loop.
type Processor struct {
	stopwaiter.StopWaiter

	cfg Config

	hub        hubsvc.HubClient
	earmarkSt  *earmarks.Store
	opsSt      *rebalanceops.Store
	aggregator *balances.Aggregator
	plnr       *planner.Planner
	gate       *policy.Gate
	sub        *submitter.Submitter
	registry   *bridge.Registry
	chains     map[mt.ChainID]mt.ChainConfig
	ownAddress common.Address
	purchaser  Purchaser
	recipients RecipientResolver
}

// New builds a Processor. All dependencies are required except
// purchaser, which may be nil in deployments that purchase entirely
// out-of-process (the processor then makes no purchase: an invoice with
// a READY earmark or with sufficient owned balance is left as it is,
// without falling through to the on-demand path).
func New(cfg Config, hub hubsvc.HubClient, earmarkSt *earmarks.Store, opsSt *rebalanceops.Store, aggregator *balances.Aggregator, plnr *planner.Planner, gate *policy.Gate, sub *submitter.Submitter, registry *bridge.Registry, chains map[mt.ChainID]mt.ChainConfig, ownAddress common.Address, purchaser Purchaser, recipients RecipientResolver) *Processor {
	return &Processor{
		cfg:        cfg,
		hub:        hub,
		earmarkSt:  earmarkSt,
		opsSt:      opsSt,
		aggregator: aggregator,
		plnr:       plnr,
		gate:       gate,
		sub:        sub,
		registry:   registry,
		chains:     chains,
		ownAddress: ownAddress,
		purchaser:  purchaser,
		recipients: recipients,
	}
}

// Start launches the tick loop.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.StopWaiter.Start(ctx); err != nil {
		return err
	}
	p.CallIteratively(func(ctx context.Context) time.Duration {
		if err := p.Tick(ctx); err != nil {
			log.Warn("processor: tick failed", "err", err)
		}
		return p.cfg.TickInterval
	})
	return nil
}

// Tick runs one full invoice-processing cycle, in a fixed order of
// steps.
func (p *Processor) Tick(ctx context.Context) error {
	gateSnapshot, err := p.gate.ReadAll(ctx)
	if err != nil {
		return err
	}

	invoices, err := p.hub.GetOutstandingInvoices(ctx)
	if err != nil {
		return err
	}

	if err := p.processPendingEarmarks(); err != nil {
		log.Warn("processor: processPendingEarmarks failed", "err", err)
	}

	balanceMap := p.aggregator.OwnedBalances(ctx, p.ownAddress, p.chains)

	purchasedInvoiceIDs := make(map[string]bool)
	seenInvoiceIDs := make(map[string]bool)

	for _, invoice := range invoices {
		seenInvoiceIDs[invoice.IntentID] = true
		if !p.eligible(invoice) {
			continue
		}

		purchased, err := p.processInvoice(ctx, invoice, balanceMap, gateSnapshot)
		if err != nil {
			log.Warn("processor: invoice failed", "intentId", invoice.IntentID, "err", err)
			continue
		}
		if purchased {
			purchasedInvoiceIDs[invoice.IntentID] = true
		}
	}

	if err := p.cleanupCompletedEarmarks(purchasedInvoiceIDs); err != nil {
		log.Warn("processor: cleanupCompletedEarmarks failed", "err", err)
	}
	if err := p.cleanupStaleEarmarks(seenInvoiceIDs); err != nil {
		log.Warn("processor: cleanupStaleEarmarks failed", "err", err)
	}

	return nil
}

func (p *Processor) eligible(invoice mt.Invoice) bool {
	tickerSupported := false
	var minAge int64 = -1
	now := time.Now().Unix()

	for _, dest := range invoice.Destinations {
		cfg, ok := p.chains[dest]
		if !ok {
			continue
		}
		if _, ok := cfg.Assets[invoice.TickerHash]; !ok {
			continue
		}
		tickerSupported = true
		if minAge < 0 || cfg.InvoiceAge < minAge {
			minAge = cfg.InvoiceAge
		}
	}
	if !tickerSupported {
		return false
	}
	if minAge < 0 {
		minAge = 0
	}
	return now-invoice.HubEnqueuedTimestamp >= minAge
}

// processInvoice decides and executes the right action for one
// invoice, returning whether a direct purchase succeeded this tick.
func (p *Processor) processInvoice(ctx context.Context, invoice mt.Invoice, balanceMap mt.BalanceMap, gate policy.Snapshot) (bool, error) {
	active, err := p.earmarkSt.ActiveEarmarkForInvoice(invoice.IntentID)
	hasActive := err == nil

	if hasActive && active.Status == mt.EarmarkReady {
		if gate.Purchase || p.purchaser == nil {
			return false, nil
		}
		return p.purchaser.Purchase(ctx, invoice, active.DesignatedPurchaseChain, true)
	}

	minAmounts, err := p.hub.GetMinAmounts(ctx, invoice.IntentID)
	if err != nil {
		return false, err
	}

	for _, dest := range invoice.Destinations {
		required, ok := minAmounts[dest]
		if !ok {
			continue
		}
		owned := balanceMap.Get(invoice.TickerHash, dest)
		if owned.Cmp(required) >= 0 {
			if gate.Purchase || p.purchaser == nil {
				return false, nil
			}
			return p.purchaser.Purchase(ctx, invoice, dest, false)
		}
	}

	if gate.OnDemand || hasActive {
		return false, nil
	}

	earmarksSnapshot, err := p.earmarkSt.GetEarmarks(mt.EarmarkFilter{Statuses: mt.ActiveEarmarkStatuses})
	if err != nil {
		return false, err
	}

	plan := p.plnr.Plan(ctx, invoice, minAmounts, balanceMap, earmarksSnapshot)
	if !plan.CanRebalance {
		return false, nil
	}
	if gate.Rebalance {
		return false, nil
	}

	_, err = p.executeOnDemand(ctx, invoice, plan)
	return false, err
}

// sent is one planned operation whose origin-chain send has a
// confirmed receipt. Once a send reaches this state it is
// irreversible: every sent value must end up as a persisted
// rebalance-operation row or a critical log entry referencing its
// receipt, never silently dropped.
type sent struct {
	op      planner.PlannedOperation
	receipt string
	amount  *big.Int
}

// executeOnDemand submits each planned operation, creates the earmark
// only after at least one send succeeded, and inserts a
// rebalance-operation row per successful send.
func (p *Processor) executeOnDemand(ctx context.Context, invoice mt.Invoice, plan planner.Plan) (*string, error) {
	if _, err := p.earmarkSt.ActiveEarmarkForInvoice(invoice.IntentID); err == nil {
		return nil, nil // another tick already won the race
	}

	var succeeded []sent

	recipient := ""
	if p.recipients != nil {
		recipient = p.recipients.Recipient(plan.DestinationChain)
	}

	for _, op := range plan.Operations {
		adapter, err := p.registry.Get(op.Bridge)
		if err != nil {
			log.Warn("processor: bridge not registered", "bridge", op.Bridge, "err", err)
			continue
		}

		txs, err := adapter.Send(ctx, p.ownAddress.Hex(), recipient, op.SendAmountNative, op.Route)
		if err != nil {
			log.Warn("processor: adapter send failed", "bridge", op.Bridge, "err", err)
			continue
		}

		var rebalanceReceipt string
		effectiveAmount := op.SendAmountNative
		failed := false
		for _, tx := range txs {
			to := common.HexToAddress(tx.To)
			result, err := p.sub.Submit(ctx, op.Route.Origin, p.ownAddress, to, tx.Data, tx.Value, p.chains[op.Route.Origin].ScopedExecution)
			if err != nil {
				log.Warn("processor: prepared tx submission failed", "memo", tx.Memo, "err", err)
				failed = true
				break
			}
			if tx.Memo == mt.MemoRebalance {
				rebalanceReceipt = result.Hash.Hex()
				if tx.EffectiveAmount != nil {
					effectiveAmount = tx.EffectiveAmount
				}
			}
		}
		if failed || rebalanceReceipt == "" {
			continue
		}

		succeeded = append(succeeded, sent{op: op, receipt: rebalanceReceipt, amount: effectiveAmount})
	}

	if len(succeeded) == 0 {
		return nil, nil
	}

	status := mt.EarmarkPending
	if len(succeeded) < len(plan.Operations) {
		status = mt.EarmarkFailed
	}

	earmark, err := p.earmarkSt.CreateEarmark(invoice.IntentID, plan.DestinationChain, invoice.TickerHash, plan.MinAmount, status)
	if err != nil {
		if !errkind.Is(err, errkind.ErrUniqueEarmarkConflict) {
			return nil, err
		}
		// Another tick already won the earmark race. Our own sends
		// already have confirmed origin receipts and cannot be
		// un-sent, so every one of them still needs a durable home:
		// a standalone operation row (no owning earmark), orphaned
		// up front per configured policy since there is no earmark
		// left to cancel later and orphan it retroactively.
		p.persistOrphanedSends(invoice.IntentID, recipient, succeeded)
		existing, readErr := p.earmarkSt.ActiveEarmarkForInvoice(invoice.IntentID)
		if readErr != nil {
			return nil, err
		}
		if existing.Status == mt.EarmarkPending {
			return &existing.ID, nil
		}
		return nil, nil
	}

	for _, s := range succeeded {
		_, insertErr := p.opsSt.CreateOperation(rebalanceops.NewOperationInput{
			EarmarkID:          &earmark.ID,
			InvoiceID:          &invoice.IntentID,
			OriginChainID:      s.op.Route.Origin,
			DestinationChainID: s.op.Route.Destination,
			TickerHash:         s.op.Route.Asset,
			Amount:             s.amount.String(),
			SlippageDbps:       s.op.SlippageDbps,
			Bridge:             s.op.Bridge,
			Recipient:          recipient,
			OriginReceipt:      mt.TxRecord{Hash: s.receipt, Receipt: s.receipt},
		})
		if insertErr != nil {
			log.Error("processor: confirmed send has no rebalance-operation row", "kind", errkind.ErrDatabaseWriteAfterSend, "earmarkId", earmark.ID, "chain", s.op.Route.Origin, "receipt", s.receipt, "err", insertErr)
		}
	}

	if status != mt.EarmarkPending {
		return nil, nil
	}
	return &earmark.ID, nil
}

// persistOrphanedSends handles the earmark-creation-lost-the-race
// path: each already-confirmed send in sent either becomes a
// standalone rebalance-operation row (no owning earmark, invoice join
// index kept so it still shows up against this invoice) or, if that
// insert itself fails, a critical log entry naming its receipt. A
// confirmed origin receipt is never simply dropped.
func (p *Processor) persistOrphanedSends(invoiceID, recipient string, sends []sent) {
	orphaned := p.cfg.StandaloneOrphanPolicy != "leave"
	for _, s := range sends {
		_, err := p.opsSt.CreateOperation(rebalanceops.NewOperationInput{
			EarmarkID:          nil,
			InvoiceID:          &invoiceID,
			OriginChainID:      s.op.Route.Origin,
			DestinationChainID: s.op.Route.Destination,
			TickerHash:         s.op.Route.Asset,
			Amount:             s.amount.String(),
			SlippageDbps:       s.op.SlippageDbps,
			Bridge:             s.op.Bridge,
			Recipient:          recipient,
			OriginReceipt:      mt.TxRecord{Hash: s.receipt, Receipt: s.receipt},
			IsOrphaned:         orphaned,
		})
		if err != nil {
			log.Error("processor: confirmed send has no rebalance-operation row after lost earmark race", "kind", errkind.ErrDatabaseWriteAfterSend, "invoiceId", invoiceID, "chain", s.op.Route.Origin, "receipt", s.receipt, "err", err)
		}
	}
}

// processPendingEarmarks refreshes existing active earmarks against
// current reality: any earmark all of whose operations have completed
// is promoted to READY (the same promotion the Callback Executor
// performs inline, re-run here so a processor-only deployment still
// converges).
func (p *Processor) processPendingEarmarks() error {
	active, err := p.earmarkSt.GetEarmarks(mt.EarmarkFilter{Statuses: []mt.EarmarkStatus{mt.EarmarkPending}})
	if err != nil {
		return err
	}
	for _, e := range active {
		ops, err := p.opsSt.GetOperations(mt.OperationFilter{})
		if err != nil {
			return err
		}
		if allOpsCompletedForEarmark(ops, e.ID) {
			if err := p.earmarkSt.UpdateEarmarkStatus(e.ID, mt.EarmarkReady); err != nil {
				log.Warn("processor: promote earmark to ready failed", "earmarkId", e.ID, "err", err)
			}
		}
	}
	return nil
}

func allOpsCompletedForEarmark(ops []mt.RebalanceOperation, earmarkID string) bool {
	any := false
	for _, op := range ops {
		if op.EarmarkID == nil || *op.EarmarkID != earmarkID {
			continue
		}
		any = true
		if op.Status != mt.OpCompleted {
			return false
		}
	}
	return any
}

// cleanupCompletedEarmarks flips READY earmarks whose invoices were
// just purchased to COMPLETED.
func (p *Processor) cleanupCompletedEarmarks(purchasedInvoiceIDs map[string]bool) error {
	ready, err := p.earmarkSt.GetEarmarks(mt.EarmarkFilter{Statuses: []mt.EarmarkStatus{mt.EarmarkReady}})
	if err != nil {
		return err
	}
	for _, e := range ready {
		if !purchasedInvoiceIDs[e.InvoiceID] {
			continue
		}
		if err := p.earmarkSt.UpdateEarmarkStatus(e.ID, mt.EarmarkCompleted); err != nil {
			log.Warn("processor: complete earmark failed", "earmarkId", e.ID, "err", err)
		}
	}
	return nil
}

// cleanupStaleEarmarks cancels (and orphans the operations of) active
// earmarks whose invoices are no longer in the hub's outstanding set.
func (p *Processor) cleanupStaleEarmarks(seenInvoiceIDs map[string]bool) error {
	active, err := p.earmarkSt.GetEarmarks(mt.EarmarkFilter{Statuses: mt.ActiveEarmarkStatuses})
	if err != nil {
		return err
	}
	for _, e := range active {
		if seenInvoiceIDs[e.InvoiceID] {
			continue
		}
		if err := p.earmarkSt.CancelEarmarkAndOrphan(e.ID); err != nil {
			log.Warn("processor: cancel stale earmark failed", "earmarkId", e.ID, "err", err)
		}
	}
	return nil
}
