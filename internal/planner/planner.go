// Package planner implements the On-Demand Planner (C5): a pure
// function from an invoice and the current position snapshot to a
// rebalance plan.
package planner

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/log"

	"github.com/marklabs/mark/internal/bigmath"
	"github.com/marklabs/mark/internal/bridge"
	mt "github.com/marklabs/mark/internal/types"
)

// PlannedOperation is one bridge send the planner has selected to
// cover part of a destination's shortfall.
type PlannedOperation struct {
	Route            mt.Route
	Bridge           mt.BridgeTag
	SlippageDbps     int64
	SendAmountNative *big.Int // native decimals, on Route.Origin
	ReceivedAmount18 *big.Int
}

// Plan is the planner's output. CanRebalance false means no viable
// destination was found; all other fields are zero in that case.
type Plan struct {
	CanRebalance     bool
	DestinationChain mt.ChainID
	Operations       []PlannedOperation
	TotalAmount      *big.Int // sum of native send amounts, coarsely comparable across chains (tie-break only)
	MinAmount        *big.Int // minAmounts[destination], 18-dec
}

// Planner computes a rebalance plan for one invoice at a time. It
// holds no mutable state and performs no store writes.
type Planner struct {
	registry *bridge.Registry
	chains   map[mt.ChainID]mt.ChainConfig
	routes   []mt.Route
}

// New builds a Planner over the given chain configs (for per-asset
// decimals) and the configured on-demand routes.
func New(registry *bridge.Registry, chains map[mt.ChainID]mt.ChainConfig, routes []mt.Route) *Planner {
	return &Planner{registry: registry, chains: chains, routes: routes}
}

func (p *Planner) decimalsFor(chain mt.ChainID, ticker mt.TickerHash) (uint8, bool) {
	cfg, ok := p.chains[chain]
	if !ok {
		return 0, false
	}
	asset, ok := cfg.Assets[ticker]
	if !ok {
		return 0, false
	}
	return asset.Decimals, true
}

// earmarkedBalances accumulates (chain, ticker) -> sum(minAmount) over
// the active earmarks.
func earmarkedBalances(earmarks []mt.Earmark) map[mt.ChainID]map[mt.TickerHash]*big.Int {
	out := make(map[mt.ChainID]map[mt.TickerHash]*big.Int)
	for _, e := range earmarks {
		if !e.Status.IsActive() {
			continue
		}
		byTicker, ok := out[e.DesignatedPurchaseChain]
		if !ok {
			byTicker = make(map[mt.TickerHash]*big.Int)
			out[e.DesignatedPurchaseChain] = byTicker
		}
		cur, ok := byTicker[e.TickerHash]
		if !ok {
			cur = big.NewInt(0)
		}
		byTicker[e.TickerHash] = new(big.Int).Add(cur, e.MinAmount)
	}
	return out
}

func availableBalance(owned *big.Int, earmarked map[mt.ChainID]map[mt.TickerHash]*big.Int, chain mt.ChainID, ticker mt.TickerHash) *big.Int {
	reserved := big.NewInt(0)
	if byTicker, ok := earmarked[chain]; ok {
		if r, ok := byTicker[ticker]; ok {
			reserved = r
		}
	}
	avail := new(big.Int).Sub(owned, reserved)
	if avail.Sign() < 0 {
		return big.NewInt(0)
	}
	return avail
}

// candidate is a viable destination found during planning, retained
// for the cross-candidate tie-break.
type candidate struct {
	chain      mt.ChainID
	operations []PlannedOperation
	totalInput *big.Int
	minAmount  *big.Int
}

// Plan selects a destination chain and minimal set of bridge
// operations to satisfy invoice, or reports CanRebalance=false if none
// is viable.
func (p *Planner) Plan(ctx context.Context, invoice mt.Invoice, minAmounts mt.MinAmounts, balances mt.BalanceMap, earmarks []mt.Earmark) Plan {
	earmarked := earmarkedBalances(earmarks)
	var candidates []candidate

	for _, dest := range invoice.Destinations {
		required, ok := minAmounts[dest]
		if !ok {
			continue
		}
		owned := balances.Get(invoice.TickerHash, dest)
		avail := availableBalance(owned, earmarked, dest, invoice.TickerHash)
		if avail.Cmp(required) >= 0 {
			// Directly purchasable; not this component's concern.
			continue
		}
		needed := new(big.Int).Sub(required, avail)

		ops, totalInput, finalRemaining := p.planDestination(ctx, dest, invoice.TickerHash, needed, balances, earmarked)
		if !bigmath.WithinTolerance(finalRemaining) {
			continue
		}
		candidates = append(candidates, candidate{chain: dest, operations: ops, totalInput: totalInput, minAmount: required})
	}

	if len(candidates) == 0 {
		return Plan{CanRebalance: false}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if len(candidates[i].operations) != len(candidates[j].operations) {
			return len(candidates[i].operations) < len(candidates[j].operations)
		}
		return candidates[i].totalInput.Cmp(candidates[j].totalInput) < 0
	})
	best := candidates[0]

	return Plan{
		CanRebalance:     true,
		DestinationChain: best.chain,
		Operations:       best.operations,
		TotalAmount:      best.totalInput,
		MinAmount:        best.minAmount,
	}
}

// planDestination plans routes for a single
// destination: gather matching routes, walk them greedily by origin
// availability, and try each route's bridge preferences in order.
func (p *Planner) planDestination(ctx context.Context, dest mt.ChainID, ticker mt.TickerHash, needed *big.Int, balances mt.BalanceMap, earmarked map[mt.ChainID]map[mt.TickerHash]*big.Int) (ops []PlannedOperation, totalInput *big.Int, remaining *big.Int) {
	type candRoute struct {
		route     mt.Route
		available *big.Int
	}
	var routes []candRoute
	for _, r := range p.routes {
		if r.Destination != dest || r.Asset != ticker {
			continue
		}
		owned := balances.Get(ticker, r.Origin)
		avail := availableBalance(owned, earmarked, r.Origin, ticker)
		if r.Reserve != nil {
			avail = new(big.Int).Sub(avail, r.Reserve)
			if avail.Sign() < 0 {
				avail = big.NewInt(0)
			}
		}
		routes = append(routes, candRoute{route: r, available: avail})
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].available.Cmp(routes[j].available) > 0
	})

	remaining = new(big.Int).Set(needed)
	totalInput = big.NewInt(0)

	for _, cr := range routes {
		if bigmath.WithinTolerance(remaining) {
			break
		}
		op, ok := p.tryRoute(ctx, cr.route, cr.available, remaining)
		if !ok {
			continue
		}
		ops = append(ops, op)
		remaining.Sub(remaining, op.ReceivedAmount18)
		totalInput.Add(totalInput, op.SendAmountNative)
	}

	return ops, totalInput, remaining
}

// tryRoute attempts route's bridge preferences in order.
// originAvailable is the route's already-reserve-adjusted
// origin-chain availability (18-dec).
func (p *Planner) tryRoute(ctx context.Context, route mt.Route, originAvailable18 *big.Int, remainingNeeded18 *big.Int) (PlannedOperation, bool) {
	originDecimals, ok := p.decimalsFor(route.Origin, route.Asset)
	if !ok {
		return PlannedOperation{}, false
	}
	destDecimals, ok := p.decimalsFor(route.Destination, route.Asset)
	if !ok {
		return PlannedOperation{}, false
	}

	for i, tag := range route.Preferences {
		slipCap := int64(0)
		if i < len(route.SlippagesDbps) {
			slipCap = route.SlippagesDbps[i]
		}

		sendGross18 := bigmath.ApplySlippageGross(remainingNeeded18, slipCap)
		if route.Maximum != nil && sendGross18.Cmp(route.Maximum) > 0 {
			sendGross18 = new(big.Int).Set(route.Maximum)
		}
		if sendGross18.Cmp(originAvailable18) > 0 {
			sendGross18 = new(big.Int).Set(originAvailable18)
		}
		if sendGross18.Sign() <= 0 {
			continue
		}

		sendNative := bigmath.FromCanonical18(sendGross18, originDecimals)
		if sendNative.Sign() <= 0 {
			continue
		}

		adapter, err := p.registry.Get(tag)
		if err != nil {
			log.Warn("planner: bridge not registered, skipping", "bridge", tag, "err", err)
			continue
		}

		quote, err := adapter.Quote(ctx, route, sendNative)
		if err != nil {
			log.Info("planner: quote failed, trying next preference", "bridge", tag, "route", route, "err", err)
			continue
		}

		receivedNative := quote.AmountOutNative
		sent18 := bigmath.ToCanonical18(sendNative, originDecimals)
		received18 := bigmath.ToCanonical18(receivedNative, destDecimals)

		realized := bigmath.RealizedSlippageDbps(sent18, received18)
		if realized > slipCap {
			log.Info("planner: realized slippage exceeds cap, trying next preference", "bridge", tag, "realizedDbps", realized, "capDbps", slipCap)
			continue
		}

		return PlannedOperation{
			Route:            route,
			Bridge:           tag,
			SlippageDbps:     slipCap,
			SendAmountNative: sendNative,
			ReceivedAmount18: received18,
		}, true
	}

	return PlannedOperation{}, false
}
