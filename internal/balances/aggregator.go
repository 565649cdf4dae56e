// Package balances implements the Balance Aggregator (C1): owned,
// custodied, and gas balances across every configured chain, fanned
// out concurrently and normalized to the 18-decimal canonical unit at
// the aggregation seam.
package balances

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/marklabs/mark/internal/bigmath"
	"github.com/marklabs/mark/internal/chainsvc"
	"github.com/marklabs/mark/internal/hubsvc"
	mt "github.com/marklabs/mark/internal/types"
)

// defaultFanOut bounds concurrent RPC reads when the caller does not
// configure a tighter limit.
const defaultFanOut = 16

// Aggregator computes owned, custodied, and gas BalanceMaps over a set
// of chain configs. Per-call failures are swallowed into a zero
// balance: one broken RPC must not poison the map.
type Aggregator struct {
	chain chainsvc.Collaborator
	hub   *hubsvc.HubContract
	sem   *semaphore.Weighted
}

// NewAggregator builds an Aggregator. maxFanOut <= 0 uses the default.
func NewAggregator(chain chainsvc.Collaborator, hub *hubsvc.HubContract, maxFanOut int64) *Aggregator {
	if maxFanOut <= 0 {
		maxFanOut = defaultFanOut
	}
	return &Aggregator{chain: chain, hub: hub, sem: semaphore.NewWeighted(maxFanOut)}
}

type balanceJob struct {
	ticker mt.TickerHash
	chain  mt.ChainID
	asset  mt.AssetConfig
}

// OwnedBalances walks every (ticker, chain) combination for which a
// token address is configured and issues concurrent reads to the
// chain collaborator. For chains with a scoped-execution wallet, the
// balance reported is that of the scoped wallet address.
func (a *Aggregator) OwnedBalances(ctx context.Context, ownAddress common.Address, chains map[mt.ChainID]mt.ChainConfig) mt.BalanceMap {
	jobs := a.enumerateJobs(chains)
	result := mt.BalanceMap{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, job := range jobs {
		job := job
		if err := a.sem.Acquire(ctx, 1); err != nil {
			// context cancelled; the remaining jobs simply won't run,
			// leaving them at zero, which is within the swallow policy.
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer a.sem.Release(1)

			owner := ownAddress
			cfg, ok := chains[job.chain]
			if ok && cfg.ScopedExecution != nil {
				owner = cfg.ScopedExecution.Safe
			}

			tokenAddr := mt.NativeAddressSentinel
			if !job.asset.IsNative {
				tokenAddr = job.asset.Address
			}

			native, err := a.chain.GetBalance(ctx, job.chain, owner, tokenAddr)
			if err != nil {
				log.Warn("balances: owned balance read failed, reporting zero", "ticker", job.ticker, "chain", job.chain, "err", err)
				native = big.NewInt(0)
			}
			canonical := bigmath.ToCanonical18(native, job.asset.Decimals)

			mu.Lock()
			result.Set(job.ticker, job.chain, canonical)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return result
}

// CustodiedBalances calls the hub contract for each (ticker, chain)
// asset hash with the same fan-out and the same error policy as
// OwnedBalances.
func (a *Aggregator) CustodiedBalances(ctx context.Context, chains map[mt.ChainID]mt.ChainConfig) mt.BalanceMap {
	jobs := a.enumerateJobs(chains)
	result := mt.BalanceMap{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, job := range jobs {
		job := job
		if err := a.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer a.sem.Release(1)

			if a.hub == nil {
				return
			}
			assetHash := hubsvc.AssetHash(job.asset.Address, job.chain)
			native, err := a.hub.CustodiedAssets(ctx, job.chain, assetHash)
			if err != nil {
				log.Warn("balances: custodied balance read failed, reporting zero", "ticker", job.ticker, "chain", job.chain, "err", err)
				native = big.NewInt(0)
			}
			canonical := bigmath.ToCanonical18(native, job.asset.Decimals)

			mu.Lock()
			result.Set(job.ticker, job.chain, canonical)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return result
}

// GasBalances returns native-gas units per (chainId, gasType). Chains
// with a dual-resource gas model (bandwidth + energy) report two
// entries; failures yield no entry for that chain.
func (a *Aggregator) GasBalances(ctx context.Context, ownAddress common.Address, chains map[mt.ChainID]mt.ChainConfig, dualResource map[mt.ChainID]bool) mt.GasBalanceMap {
	result := mt.GasBalanceMap{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for chainID, cfg := range chains {
		chainID, cfg := chainID, cfg
		if err := a.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer a.sem.Release(1)

			owner := ownAddress
			if cfg.ScopedExecution != nil {
				owner = cfg.ScopedExecution.Safe
			}
			native, err := a.chain.GetBalance(ctx, chainID, owner, mt.NativeAddressSentinel)
			if err != nil {
				log.Warn("balances: gas balance read failed, skipping chain", "chain", chainID, "err", err)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if dualResource[chainID] {
				// Dual-resource chains (bandwidth + energy) report the
				// native read as bandwidth and leave energy to a
				// chain-specific collaborator extension; this core
				// records zero energy rather than guessing.
				result[mt.GasBalanceKey{ChainID: chainID, GasType: mt.GasResourceBandwidth}] = native
				result[mt.GasBalanceKey{ChainID: chainID, GasType: mt.GasResourceEnergy}] = big.NewInt(0)
			} else {
				result[mt.GasBalanceKey{ChainID: chainID, GasType: mt.GasResourceNative}] = native
			}
		}()
	}
	wg.Wait()
	return result
}

func (a *Aggregator) enumerateJobs(chains map[mt.ChainID]mt.ChainConfig) []balanceJob {
	var jobs []balanceJob
	for chainID, cfg := range chains {
		for ticker, asset := range cfg.Assets {
			jobs = append(jobs, balanceJob{ticker: ticker, chain: chainID, asset: asset})
		}
	}
	return jobs
}
