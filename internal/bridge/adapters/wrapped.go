package adapters

import (
	"context"
	"math/big"
	"sync"

	"github.com/pkg/errors"

	"github.com/marklabs/mark/internal/bridge"
	mt "github.com/marklabs/mark/internal/types"
)

// Unwrapper builds the Unwrap transaction (wrapped-native -> native)
// on the origin chain, and the Wrap transaction (native -> wrapped)
// on the destination chain.
type Unwrapper interface {
	BuildUnwrap(route mt.Route, amountNative *big.Int) (to string, data []byte)
	BuildWrap(route mt.Route, amountNative *big.Int) (to string, data []byte)
}

// WrappedNativeStatus is the status an underlying transfer is polled
// in, keyed by the opaque identifier the underlying send produced.
type WrappedNativeStatus struct {
	Ready      bool
	OutAmount  *big.Int
}

// Underlying is a bridge that moves only the chain's native asset.
type Underlying interface {
	Type() mt.BridgeTag
	Quote(ctx context.Context, route mt.Route, amountNative *big.Int) (*bridge.Quote, error)
	Send(ctx context.Context, refundAddress, recipient string, amountNative *big.Int, route mt.Route) (to string, data []byte, err error)
	Status(ctx context.Context, originReceipt string) (WrappedNativeStatus, error)
}

// WrappedNative adapts an Underlying native-only bridge to routes
// whose configured asset is wrapped-native: if the route's asset is
// wrapped and the underlying bridge only accepts native, Send prepends
// an Unwrap transaction; on the destination, if the underlying payout
// is native and the configured asset is wrapped, DestinationCallback
// emits a Wrap.
type WrappedNative struct {
	tag        mt.BridgeTag
	underlying Underlying
	unwrap     Unwrapper
	isWrapped  map[mt.TickerHash]bool

	mu          sync.Mutex
	callbackDone map[string]bool // originReceipt -> callback already issued
}

// NewWrappedNative builds a WrappedNative adapter. isWrapped marks
// which TickerHashes are wrapped-native assets.
func NewWrappedNative(tag mt.BridgeTag, underlying Underlying, unwrap Unwrapper, isWrapped map[mt.TickerHash]bool) *WrappedNative {
	return &WrappedNative{
		tag:          tag,
		underlying:   underlying,
		unwrap:       unwrap,
		isWrapped:    isWrapped,
		callbackDone: make(map[string]bool),
	}
}

func (w *WrappedNative) Type() mt.BridgeTag { return w.tag }

func (w *WrappedNative) MinAmount(_ context.Context, _ mt.Route) (*big.Int, error) {
	return nil, nil
}

func (w *WrappedNative) Quote(ctx context.Context, route mt.Route, amountNative *big.Int) (*bridge.Quote, error) {
	return w.underlying.Quote(ctx, route, amountNative)
}

func (w *WrappedNative) Send(ctx context.Context, refundAddress, recipient string, amountNative *big.Int, route mt.Route) ([]bridge.PreparedTx, error) {
	var txs []bridge.PreparedTx

	if w.isWrapped[route.Asset] {
		to, data := w.unwrap.BuildUnwrap(route, amountNative)
		txs = append(txs, bridge.PreparedTx{Memo: mt.MemoUnwrap, To: to, Data: data})
	}

	to, data, err := w.underlying.Send(ctx, refundAddress, recipient, amountNative, route)
	if err != nil {
		return nil, errors.Wrap(err, "wrapped-native adapter: underlying send")
	}
	txs = append(txs, bridge.PreparedTx{Memo: mt.MemoRebalance, To: to, Data: data})
	return txs, nil
}

func (w *WrappedNative) DestinationReady(ctx context.Context, _ *big.Int, _ mt.Route, originReceipt string) (bool, error) {
	status, err := w.underlying.Status(ctx, originReceipt)
	if err != nil {
		return false, err
	}
	return status.Ready, nil
}

func (w *WrappedNative) DestinationCallback(ctx context.Context, route mt.Route, originReceipt string) (*bridge.PreparedTx, error) {
	if !w.isWrapped[route.Asset] {
		return nil, nil
	}

	w.mu.Lock()
	if w.callbackDone[originReceipt] {
		w.mu.Unlock()
		return nil, nil
	}
	w.mu.Unlock()

	status, err := w.underlying.Status(ctx, originReceipt)
	if err != nil {
		return nil, err
	}
	if !status.Ready {
		return nil, nil
	}

	to, data := w.unwrap.BuildWrap(route, status.OutAmount)

	w.mu.Lock()
	w.callbackDone[originReceipt] = true
	w.mu.Unlock()

	return &bridge.PreparedTx{Memo: mt.MemoWrap, To: to, Data: data}, nil
}
