package planner

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/marklabs/mark/internal/bridge"
	mt "github.com/marklabs/mark/internal/types"
)

type fakeAdapter struct {
	tag      mt.BridgeTag
	quoteFn  func(amountNative *big.Int) (*big.Int, error)
}

func (f fakeAdapter) Type() mt.BridgeTag { return f.tag }
func (f fakeAdapter) Quote(_ context.Context, _ mt.Route, amountNative *big.Int) (*bridge.Quote, error) {
	out, err := f.quoteFn(amountNative)
	if err != nil {
		return nil, err
	}
	return &bridge.Quote{AmountOutNative: out}, nil
}
func (f fakeAdapter) MinAmount(context.Context, mt.Route) (*big.Int, error) { return nil, nil }
func (f fakeAdapter) Send(context.Context, string, string, *big.Int, mt.Route) ([]bridge.PreparedTx, error) {
	return nil, nil
}
func (f fakeAdapter) DestinationReady(context.Context, *big.Int, mt.Route, string) (bool, error) {
	return true, nil
}
func (f fakeAdapter) DestinationCallback(context.Context, mt.Route, string) (*bridge.PreparedTx, error) {
	return nil, nil
}

func eighteenDecChains() map[mt.ChainID]mt.ChainConfig {
	asset := mt.AssetConfig{Symbol: "USDC", Address: common.HexToAddress("0x1"), Decimals: 18, TickerHash: "USDC"}
	return map[mt.ChainID]mt.ChainConfig{
		mt.ChainID(1):    {ChainID: mt.ChainID(1), Assets: map[mt.TickerHash]mt.AssetConfig{"USDC": asset}},
		mt.ChainID(8453): {ChainID: mt.ChainID(8453), Assets: map[mt.TickerHash]mt.AssetConfig{"USDC": asset}},
	}
}

func e18(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)) }

func TestPlanS1DirectFulfilmentNoPlan(t *testing.T) {
	registry := bridge.NewRegistry()
	p := New(registry, eighteenDecChains(), nil)

	invoice := mt.Invoice{IntentID: "A", TickerHash: "USDC", Destinations: []mt.ChainID{8453}}
	minAmounts := mt.MinAmounts{8453: e18(1)}
	balances := mt.BalanceMap{}
	balances.Set("USDC", 8453, e18(2))

	plan := p.Plan(context.Background(), invoice, minAmounts, balances, nil)
	require.False(t, plan.CanRebalance)
}

func TestPlanS2SlippageExceedsCapRejected(t *testing.T) {
	registry := bridge.NewRegistry()
	registry.Register(fakeAdapter{tag: "B", quoteFn: func(in *big.Int) (*big.Int, error) {
		// realize ~500 dbps: out = in * 9950/10000 against the gross-adjusted send
		out := new(big.Int).Mul(in, big.NewInt(9950))
		return out.Div(out, big.NewInt(10000)), nil
	}})

	route := mt.Route{Origin: 1, Destination: 8453, Asset: "USDC", SlippagesDbps: []int64{100}, Preferences: []mt.BridgeTag{"B"}}
	p := New(registry, eighteenDecChains(), []mt.Route{route})

	invoice := mt.Invoice{IntentID: "A", TickerHash: "USDC", Destinations: []mt.ChainID{8453}}
	minAmounts := mt.MinAmounts{8453: e18(1)}
	balances := mt.BalanceMap{}
	balances.Set("USDC", 8453, big.NewInt(0))
	balances.Set("USDC", 1, e18(2))

	plan := p.Plan(context.Background(), invoice, minAmounts, balances, nil)
	require.False(t, plan.CanRebalance)
}

func TestPlanS3SlippageWithinCapAccepted(t *testing.T) {
	registry := bridge.NewRegistry()
	registry.Register(fakeAdapter{tag: "B", quoteFn: func(in *big.Int) (*big.Int, error) {
		out := new(big.Int).Mul(in, big.NewInt(9950))
		return out.Div(out, big.NewInt(10000)), nil
	}})

	route := mt.Route{Origin: 1, Destination: 8453, Asset: "USDC", SlippagesDbps: []int64{1000}, Preferences: []mt.BridgeTag{"B"}}
	p := New(registry, eighteenDecChains(), []mt.Route{route})

	invoice := mt.Invoice{IntentID: "A", TickerHash: "USDC", Destinations: []mt.ChainID{8453}}
	minAmounts := mt.MinAmounts{8453: e18(1)}
	balances := mt.BalanceMap{}
	balances.Set("USDC", 8453, big.NewInt(0))
	balances.Set("USDC", 1, e18(2))

	plan := p.Plan(context.Background(), invoice, minAmounts, balances, nil)
	require.True(t, plan.CanRebalance)
	require.Equal(t, mt.ChainID(8453), plan.DestinationChain)
	require.Len(t, plan.Operations, 1)
	require.Equal(t, mt.BridgeTag("B"), plan.Operations[0].Bridge)
}

func TestPlanQuoteErrorSkipsBridge(t *testing.T) {
	registry := bridge.NewRegistry()
	registry.Register(fakeAdapter{tag: "B", quoteFn: func(in *big.Int) (*big.Int, error) {
		return nil, errors.New("quote unavailable")
	}})

	route := mt.Route{Origin: 1, Destination: 8453, Asset: "USDC", SlippagesDbps: []int64{1000}, Preferences: []mt.BridgeTag{"B"}}
	p := New(registry, eighteenDecChains(), []mt.Route{route})

	invoice := mt.Invoice{IntentID: "A", TickerHash: "USDC", Destinations: []mt.ChainID{8453}}
	minAmounts := mt.MinAmounts{8453: e18(1)}
	balances := mt.BalanceMap{}
	balances.Set("USDC", 8453, big.NewInt(0))
	balances.Set("USDC", 1, e18(2))

	plan := p.Plan(context.Background(), invoice, minAmounts, balances, nil)
	require.False(t, plan.CanRebalance)
}

func TestPlanEarmarkedBalanceReducesAvailability(t *testing.T) {
	registry := bridge.NewRegistry()
	p := New(registry, eighteenDecChains(), nil)

	invoice := mt.Invoice{IntentID: "A", TickerHash: "USDC", Destinations: []mt.ChainID{8453}}
	minAmounts := mt.MinAmounts{8453: e18(1)}
	balances := mt.BalanceMap{}
	balances.Set("USDC", 8453, e18(1))

	earmark := mt.Earmark{DesignatedPurchaseChain: 8453, TickerHash: "USDC", MinAmount: e18(1), Status: mt.EarmarkPending}
	plan := p.Plan(context.Background(), invoice, minAmounts, balances, []mt.Earmark{earmark})
	require.False(t, plan.CanRebalance)
}

func TestPlanTieBreakPrefersLowerTotal(t *testing.T) {
	registry := bridge.NewRegistry()
	registry.Register(fakeAdapter{tag: "B", quoteFn: func(in *big.Int) (*big.Int, error) {
		return new(big.Int).Set(in), nil
	}})

	chains := eighteenDecChains()
	chains[10] = mt.ChainConfig{ChainID: 10, Assets: map[mt.TickerHash]mt.AssetConfig{"USDC": chains[1].Assets["USDC"]}}
	chains[20] = mt.ChainConfig{ChainID: 20, Assets: map[mt.TickerHash]mt.AssetConfig{"USDC": chains[1].Assets["USDC"]}}

	routeA := mt.Route{Origin: 1, Destination: 10, Asset: "USDC", SlippagesDbps: []int64{1000}, Preferences: []mt.BridgeTag{"B"}}
	routeB := mt.Route{Origin: 1, Destination: 20, Asset: "USDC", SlippagesDbps: []int64{1000}, Preferences: []mt.BridgeTag{"B"}}
	p := New(registry, chains, []mt.Route{routeA, routeB})

	invoice := mt.Invoice{IntentID: "A", TickerHash: "USDC", Destinations: []mt.ChainID{10, 20}}
	minAmounts := mt.MinAmounts{10: e18(2), 20: e18(1)}
	balances := mt.BalanceMap{}
	balances.Set("USDC", 1, e18(10))

	plan := p.Plan(context.Background(), invoice, minAmounts, balances, nil)
	require.True(t, plan.CanRebalance)
	require.Equal(t, mt.ChainID(20), plan.DestinationChain)
}
