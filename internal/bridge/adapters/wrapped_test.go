package adapters

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marklabs/mark/internal/bridge"
	mt "github.com/marklabs/mark/internal/types"
)

type fakeUnderlying struct {
	ready     bool
	outAmount *big.Int
}

func (f *fakeUnderlying) Type() mt.BridgeTag { return mt.BridgeTag("native-bridge") }

func (f *fakeUnderlying) Quote(_ context.Context, _ mt.Route, amountNative *big.Int) (*bridge.Quote, error) {
	return &bridge.Quote{AmountOutNative: amountNative}, nil
}

func (f *fakeUnderlying) Send(_ context.Context, _, _ string, _ *big.Int, _ mt.Route) (string, []byte, error) {
	return "0xunderlying", []byte("send"), nil
}

func (f *fakeUnderlying) Status(_ context.Context, _ string) (WrappedNativeStatus, error) {
	return WrappedNativeStatus{Ready: f.ready, OutAmount: f.outAmount}, nil
}

type fakeUnwrapper struct{}

func (fakeUnwrapper) BuildUnwrap(_ mt.Route, _ *big.Int) (string, []byte) {
	return "0xunwrap", []byte("unwrap")
}

func (fakeUnwrapper) BuildWrap(_ mt.Route, _ *big.Int) (string, []byte) {
	return "0xwrap", []byte("wrap")
}

func TestWrappedNativeSendPrependsUnwrapForWrappedAsset(t *testing.T) {
	u := &fakeUnderlying{}
	w := NewWrappedNative(mt.BridgeTag("wrapped"), u, fakeUnwrapper{}, map[mt.TickerHash]bool{"WETH": true})

	txs, err := w.Send(context.Background(), "refund", "recipient", big.NewInt(1), mt.Route{Asset: "WETH"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, mt.MemoUnwrap, txs[0].Memo)
	require.Equal(t, mt.MemoRebalance, txs[1].Memo)
}

func TestWrappedNativeSendSkipsUnwrapForNonWrappedAsset(t *testing.T) {
	u := &fakeUnderlying{}
	w := NewWrappedNative(mt.BridgeTag("wrapped"), u, fakeUnwrapper{}, map[mt.TickerHash]bool{"WETH": true})

	txs, err := w.Send(context.Background(), "refund", "recipient", big.NewInt(1), mt.Route{Asset: "ETH"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, mt.MemoRebalance, txs[0].Memo)
}

func TestWrappedNativeDestinationCallbackEmitsWrapOnce(t *testing.T) {
	u := &fakeUnderlying{ready: true, outAmount: big.NewInt(42)}
	w := NewWrappedNative(mt.BridgeTag("wrapped"), u, fakeUnwrapper{}, map[mt.TickerHash]bool{"WETH": true})

	route := mt.Route{Asset: "WETH"}
	cb, err := w.DestinationCallback(context.Background(), route, "0xreceipt")
	require.NoError(t, err)
	require.NotNil(t, cb)
	require.Equal(t, mt.MemoWrap, cb.Memo)

	cb2, err := w.DestinationCallback(context.Background(), route, "0xreceipt")
	require.NoError(t, err)
	require.Nil(t, cb2)
}

func TestWrappedNativeDestinationCallbackNoneForNonWrapped(t *testing.T) {
	u := &fakeUnderlying{ready: true, outAmount: big.NewInt(42)}
	w := NewWrappedNative(mt.BridgeTag("wrapped"), u, fakeUnwrapper{}, map[mt.TickerHash]bool{"WETH": true})

	cb, err := w.DestinationCallback(context.Background(), mt.Route{Asset: "ETH"}, "0xreceipt")
	require.NoError(t, err)
	require.Nil(t, cb)
}
