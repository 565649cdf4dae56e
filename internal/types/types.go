// Package types holds the data model shared by every component of the
// Mark core engine: invoices as read from the hub, static chain/asset/
// route configuration, and the normalized balance map that every
// balance-aware component consumes.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID identifies a chain the agent operates on.
type ChainID uint64

// TickerHash identifies a fungible asset across chains, independent of
// its per-chain contract address.
type TickerHash string

// BridgeTag names a bridge implementation known to the adapter
// registry.
type BridgeTag string

// Invoice is the hub's notion of an unpaid cross-chain transfer
// intent. The core treats it as an immutable snapshot for the
// duration of one tick.
type Invoice struct {
	IntentID            string    `json:"intentId"`
	TickerHash           TickerHash `json:"tickerHash"`
	Amount               string    `json:"amount"` // 18-dec string
	Destinations         []ChainID `json:"destinations"`
	HubEnqueuedTimestamp int64     `json:"hubEnqueuedTimestamp"`
	Status               string    `json:"status"`
}

// MinAmounts maps a destination chain to the minimum owned balance
// Mark must present there to settle an invoice.
type MinAmounts map[ChainID]*big.Int

// AssetConfig describes one asset as deployed on one chain.
type AssetConfig struct {
	Symbol     string
	Address    common.Address
	Decimals   uint8
	TickerHash TickerHash
	IsNative   bool
}

// ScopedExecutionConfig names a module+role+safe address through which
// transactions on a chain must be routed instead of the agent's own
// signing key.
type ScopedExecutionConfig struct {
	Module string
	Role   string
	Safe   common.Address
}

// ChainConfig is the static, per-chain configuration surface.
type ChainConfig struct {
	ChainID         ChainID
	Providers       []string
	Assets          map[TickerHash]AssetConfig
	Deployments     map[string]common.Address
	InvoiceAge      int64 // minimum invoice age, seconds
	GasThreshold    *big.Int
	ScopedExecution *ScopedExecutionConfig
}

// Route is a configured (origin, destination, asset) triple with
// ordered bridge preferences and per-bridge slippage caps.
type Route struct {
	Origin          ChainID
	Destination     ChainID
	Asset           TickerHash
	Maximum         *big.Int // optional, 18-dec
	Reserve         *big.Int // optional, 18-dec, do-not-touch amount
	SlippagesDbps   []int64  // per-preference max tolerated slippage, in dbps
	Preferences     []BridgeTag
}

// BalanceMap is tickerHash -> chainId -> amount, always in the
// 18-decimal canonical unit.
type BalanceMap map[TickerHash]map[ChainID]*big.Int

// Get returns the balance for (ticker, chain), or zero if absent.
func (m BalanceMap) Get(ticker TickerHash, chain ChainID) *big.Int {
	byChain, ok := m[ticker]
	if !ok {
		return big.NewInt(0)
	}
	amt, ok := byChain[chain]
	if !ok {
		return big.NewInt(0)
	}
	return amt
}

// Set records a balance for (ticker, chain).
func (m BalanceMap) Set(ticker TickerHash, chain ChainID, amount *big.Int) {
	byChain, ok := m[ticker]
	if !ok {
		byChain = make(map[ChainID]*big.Int)
		m[ticker] = byChain
	}
	byChain[chain] = amount
}

// GasResourceType distinguishes the resource a gas balance is
// denominated in, for chains with a dual-resource gas model (e.g.
// bandwidth + energy on TVM-style chains).
type GasResourceType string

const (
	GasResourceNative    GasResourceType = "native"
	GasResourceBandwidth GasResourceType = "bandwidth"
	GasResourceEnergy    GasResourceType = "energy"
)

// GasBalanceKey identifies one gas balance entry.
type GasBalanceKey struct {
	ChainID  ChainID
	GasType  GasResourceType
}

// GasBalanceMap holds native-unit gas balances per chain/resource.
type GasBalanceMap map[GasBalanceKey]*big.Int

// PauseFlag names one of the three independent pause switches.
type PauseFlag string

const (
	PausePurchase  PauseFlag = "purchase"
	PauseRebalance PauseFlag = "rebalance"
	PauseOnDemand  PauseFlag = "ondemand"
)

// NativeAddressSentinel is the token-address placeholder meaning
// "this chain's native asset" at the chain-collaborator boundary.
var NativeAddressSentinel = common.Address{}
