package adapters

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	mt "github.com/marklabs/mark/internal/types"
)

func testRoute() mt.Route {
	return mt.Route{Origin: mt.ChainID(1), Destination: mt.ChainID(10), Asset: mt.TickerHash("USDC")}
}

func newTestPool() *Pool {
	p := NewPool(mt.BridgeTag("pool"), func(route mt.Route, recipient string, amount *big.Int) (string, []byte) {
		return "0xpool", []byte("send")
	})
	p.SetPool(testRoute(), PoolConfig{
		MinAmount: big.NewInt(1000),
		Available: big.NewInt(1_000_000),
		FeeBps:    30,
	})
	return p
}

func TestPoolQuoteAppliesFee(t *testing.T) {
	p := newTestPool()
	q, err := p.Quote(context.Background(), testRoute(), big.NewInt(100_000))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(99_700), q.AmountOutNative)
}

func TestPoolQuoteCapsAtAvailable(t *testing.T) {
	p := newTestPool()
	q, err := p.Quote(context.Background(), testRoute(), big.NewInt(10_000_000))
	require.NoError(t, err)
	require.Equal(t, 0, q.AmountOutNative.Cmp(big.NewInt(1_000_000)))
}

func TestPoolQuoteBelowMinimum(t *testing.T) {
	p := newTestPool()
	_, err := p.Quote(context.Background(), testRoute(), big.NewInt(1))
	require.ErrorIs(t, err, ErrBelowMinimum)
}

func TestPoolSendInsufficientLiquidity(t *testing.T) {
	p := newTestPool()
	_, err := p.Send(context.Background(), "refund", "recipient", big.NewInt(10_000_000), testRoute())
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestPoolSendReturnsRebalanceTx(t *testing.T) {
	p := newTestPool()
	txs, err := p.Send(context.Background(), "refund", "recipient", big.NewInt(5_000), testRoute())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, mt.MemoRebalance, txs[0].Memo)
}

func TestPoolDestinationReadyAndCallback(t *testing.T) {
	p := newTestPool()
	ready, err := p.DestinationReady(context.Background(), big.NewInt(1), testRoute(), "0xreceipt")
	require.NoError(t, err)
	require.True(t, ready)

	cb, err := p.DestinationCallback(context.Background(), testRoute(), "0xreceipt")
	require.NoError(t, err)
	require.Nil(t, cb)
}
