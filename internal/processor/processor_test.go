package processor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/marklabs/mark/internal/balances"
	"github.com/marklabs/mark/internal/bridge"
	"github.com/marklabs/mark/internal/chainsvc"
	"github.com/marklabs/mark/internal/planner"
	"github.com/marklabs/mark/internal/policy"
	"github.com/marklabs/mark/internal/store/badgerstore"
	"github.com/marklabs/mark/internal/store/earmarks"
	"github.com/marklabs/mark/internal/store/rebalanceops"
	"github.com/marklabs/mark/internal/submitter"
	mt "github.com/marklabs/mark/internal/types"
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type fakeHub struct {
	invoices   []mt.Invoice
	minAmounts map[string]mt.MinAmounts
}

func (f *fakeHub) GetOutstandingInvoices(context.Context) ([]mt.Invoice, error) {
	return f.invoices, nil
}

func (f *fakeHub) GetMinAmounts(_ context.Context, invoiceID string) (mt.MinAmounts, error) {
	return f.minAmounts[invoiceID], nil
}

type fakeCollaborator struct {
	submitted []chainsvc.TxRequest
}

// GetBalance reports 2e18 on origin chain 1 and nothing elsewhere, so
// the 1 -> 8453 route has inventory to plan from.
func (f *fakeCollaborator) GetBalance(_ context.Context, chain mt.ChainID, _ common.Address, _ common.Address) (*big.Int, error) {
	if chain == 1 {
		return e18(2), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeCollaborator) SubmitAndMonitor(_ context.Context, _ mt.ChainID, req chainsvc.TxRequest) (*chainsvc.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	hash := common.BigToHash(big.NewInt(int64(len(f.submitted))))
	return &chainsvc.SubmitResult{Hash: hash, Receipt: &types.Receipt{Status: 1}}, nil
}

func (f *fakeCollaborator) ReadTx(context.Context, mt.ChainID, common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func (f *fakeCollaborator) Call(context.Context, mt.ChainID, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

type fakeAdapter struct {
	tag mt.BridgeTag
}

func (f fakeAdapter) Type() mt.BridgeTag { return f.tag }
func (f fakeAdapter) Quote(_ context.Context, _ mt.Route, amountNative *big.Int) (*bridge.Quote, error) {
	return &bridge.Quote{AmountOutNative: new(big.Int).Set(amountNative)}, nil
}
func (f fakeAdapter) MinAmount(context.Context, mt.Route) (*big.Int, error) { return nil, nil }
func (f fakeAdapter) Send(_ context.Context, _, recipient string, amountNative *big.Int, route mt.Route) ([]bridge.PreparedTx, error) {
	return []bridge.PreparedTx{{Memo: mt.MemoRebalance, To: recipient, Data: []byte("send"), Value: big.NewInt(0)}}, nil
}
func (f fakeAdapter) DestinationReady(context.Context, *big.Int, mt.Route, string) (bool, error) {
	return true, nil
}
func (f fakeAdapter) DestinationCallback(context.Context, mt.Route, string) (*bridge.PreparedTx, error) {
	return nil, nil
}

type fakePurchaser struct {
	calls []string
}

func (f *fakePurchaser) Purchase(_ context.Context, invoice mt.Invoice, _ mt.ChainID, _ bool) (bool, error) {
	f.calls = append(f.calls, invoice.IntentID)
	return true, nil
}

type fakeRecipients struct{}

func (fakeRecipients) Recipient(mt.ChainID) string { return "0xrecipient" }

func testChains() map[mt.ChainID]mt.ChainConfig {
	asset := mt.AssetConfig{Symbol: "USDC", Address: common.HexToAddress("0x1"), Decimals: 18, TickerHash: "USDC"}
	return map[mt.ChainID]mt.ChainConfig{
		mt.ChainID(1):    {ChainID: 1, Assets: map[mt.TickerHash]mt.AssetConfig{"USDC": asset}},
		mt.ChainID(8453): {ChainID: 8453, Assets: map[mt.TickerHash]mt.AssetConfig{"USDC": asset}, InvoiceAge: 0},
	}
}

type testFixture struct {
	proc      *Processor
	earmarkSt *earmarks.Store
	opsSt     *rebalanceops.Store
	hub       *fakeHub
	chain     *fakeCollaborator
	purchaser *fakePurchaser
	db        *badger.DB
}

func newFixture(t *testing.T, invoices []mt.Invoice, minAmounts map[string]mt.MinAmounts) *testFixture {
	t.Helper()
	db, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	earmarkSt := earmarks.New(db)
	opsSt := rebalanceops.New(db)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	gate := policy.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	chain := &fakeCollaborator{}
	chains := testChains()
	aggregator := balances.NewAggregator(chain, nil, 0)

	registry := bridge.NewRegistry()
	registry.Register(fakeAdapter{tag: "B"})

	route := mt.Route{Origin: 1, Destination: 8453, Asset: "USDC", SlippagesDbps: []int64{1000}, Preferences: []mt.BridgeTag{"B"}}
	plnr := planner.New(registry, chains, []mt.Route{route})

	hub := &fakeHub{invoices: invoices, minAmounts: minAmounts}
	purchaser := &fakePurchaser{}

	sub := submitter.New(chain, nil)

	cfg := Config{TickInterval: time.Second, StandaloneOrphanPolicy: "orphan"}
	proc := New(cfg, hub, earmarkSt, opsSt, aggregator, plnr, gate, sub, registry, chains, common.HexToAddress("0xagent"), purchaser, fakeRecipients{})

	return &testFixture{proc: proc, earmarkSt: earmarkSt, opsSt: opsSt, hub: hub, chain: chain, purchaser: purchaser, db: db}
}

func TestProcessorReadyEarmarkTriggersPurchase(t *testing.T) {
	invoice := mt.Invoice{IntentID: "inv-1", TickerHash: "USDC", Destinations: []mt.ChainID{8453}, HubEnqueuedTimestamp: time.Now().Unix()}
	fx := newFixture(t, []mt.Invoice{invoice}, map[string]mt.MinAmounts{"inv-1": {8453: e18(1)}})

	_, err := fx.earmarkSt.CreateEarmark(invoice.IntentID, 8453, "USDC", e18(1), mt.EarmarkReady)
	require.NoError(t, err)

	require.NoError(t, fx.proc.Tick(context.Background()))
	require.Equal(t, []string{"inv-1"}, fx.purchaser.calls)
}

func TestProcessorOnDemandCreatesEarmarkAndOperations(t *testing.T) {
	invoice := mt.Invoice{IntentID: "inv-2", TickerHash: "USDC", Destinations: []mt.ChainID{8453}, HubEnqueuedTimestamp: time.Now().Unix()}
	fx := newFixture(t, []mt.Invoice{invoice}, map[string]mt.MinAmounts{"inv-2": {8453: e18(1)}})

	err := fx.proc.Tick(context.Background())
	require.NoError(t, err)

	earmark, err := fx.earmarkSt.ActiveEarmarkForInvoice("inv-2")
	require.NoError(t, err)
	require.Equal(t, mt.EarmarkPending, earmark.Status)

	ops, err := fx.opsSt.GetOperations(mt.OperationFilter{InvoiceID: &invoice.IntentID})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, mt.OpPending, ops[0].Status)
	require.NotNil(t, ops[0].EarmarkID)
	require.Equal(t, earmark.ID, *ops[0].EarmarkID)
}

func TestProcessorSkipsInvoiceBelowMinimumAge(t *testing.T) {
	chains := testChains()
	cfg := chains[8453]
	cfg.InvoiceAge = 3600
	chains[8453] = cfg

	invoice := mt.Invoice{IntentID: "inv-3", TickerHash: "USDC", Destinations: []mt.ChainID{8453}, HubEnqueuedTimestamp: time.Now().Unix()}
	fx := newFixture(t, []mt.Invoice{invoice}, map[string]mt.MinAmounts{"inv-3": {8453: e18(1)}})
	fx.proc.chains = chains

	err := fx.proc.Tick(context.Background())
	require.NoError(t, err)

	_, err = fx.earmarkSt.ActiveEarmarkForInvoice("inv-3")
	require.Error(t, err)
}

func TestProcessorCleanupStaleEarmarkCancelsWhenInvoiceDisappears(t *testing.T) {
	invoice := mt.Invoice{IntentID: "inv-4", TickerHash: "USDC", Destinations: []mt.ChainID{8453}, HubEnqueuedTimestamp: time.Now().Unix()}
	fx := newFixture(t, []mt.Invoice{invoice}, map[string]mt.MinAmounts{"inv-4": {8453: e18(1)}})

	require.NoError(t, fx.proc.Tick(context.Background()))
	_, err := fx.earmarkSt.ActiveEarmarkForInvoice("inv-4")
	require.NoError(t, err)

	fx.hub.invoices = nil
	require.NoError(t, fx.proc.Tick(context.Background()))

	_, err = fx.earmarkSt.ActiveEarmarkForInvoice("inv-4")
	require.Error(t, err)

	all, err := fx.earmarkSt.GetEarmarks(mt.EarmarkFilter{Statuses: []mt.EarmarkStatus{mt.EarmarkCancelled}})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPersistOrphanedSendsCreatesStandaloneRow(t *testing.T) {
	fx := newFixture(t, nil, nil)
	route := mt.Route{Origin: 1, Destination: 8453, Asset: "USDC"}
	op := planner.PlannedOperation{Route: route, Bridge: "B", SlippageDbps: 50, SendAmountNative: e18(1)}

	invoiceID := "inv-6"
	fx.proc.persistOrphanedSends(invoiceID, "0xrecipient", []sent{{op: op, receipt: "0xreceipt1", amount: e18(1)}})

	ops, err := fx.opsSt.GetOperations(mt.OperationFilter{InvoiceID: &invoiceID})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Nil(t, ops[0].EarmarkID)
	require.True(t, ops[0].IsOrphaned)
	require.Equal(t, mt.OpPending, ops[0].Status)
	require.Equal(t, "0xreceipt1", ops[0].Transactions[1].Receipt)
}

func TestPersistOrphanedSendsHonorsLeavePolicy(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.proc.cfg.StandaloneOrphanPolicy = "leave"
	route := mt.Route{Origin: 1, Destination: 8453, Asset: "USDC"}
	op := planner.PlannedOperation{Route: route, Bridge: "B", SlippageDbps: 50, SendAmountNative: e18(1)}

	invoiceID := "inv-7"
	fx.proc.persistOrphanedSends(invoiceID, "0xrecipient", []sent{{op: op, receipt: "0xreceipt2", amount: e18(1)}})

	ops, err := fx.opsSt.GetOperations(mt.OperationFilter{InvoiceID: &invoiceID})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.False(t, ops[0].IsOrphaned)
}

func TestProcessorPromotesReadyEarmarkWhenOperationsComplete(t *testing.T) {
	invoice := mt.Invoice{IntentID: "inv-5", TickerHash: "USDC", Destinations: []mt.ChainID{8453}, HubEnqueuedTimestamp: time.Now().Unix()}
	fx := newFixture(t, []mt.Invoice{invoice}, map[string]mt.MinAmounts{"inv-5": {8453: e18(1)}})

	require.NoError(t, fx.proc.Tick(context.Background()))
	earmark, err := fx.earmarkSt.ActiveEarmarkForInvoice("inv-5")
	require.NoError(t, err)

	ops, err := fx.opsSt.GetOperations(mt.OperationFilter{InvoiceID: &invoice.IntentID})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	completed := mt.OpCompleted
	_, err = fx.opsSt.UpdateOperation(ops[0].ID, rebalanceops.UpdateInput{Status: &completed})
	require.NoError(t, err)

	// Without a purchaser the READY earmark is not purchased (and so not
	// moved on to COMPLETED) within the same tick.
	fx.proc.purchaser = nil
	require.NoError(t, fx.proc.Tick(context.Background()))

	refreshed, err := fx.earmarkSt.GetEarmark(earmark.ID)
	require.NoError(t, err)
	require.Equal(t, mt.EarmarkReady, refreshed.Status)
}
