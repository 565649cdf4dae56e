// Command mark runs the Mark cross-chain market-making agent: the
// invoice and callback tick loops plus the admin HTTP surface, wired
// against the embedded store, the redis-backed pause gate, and the
// configured chain/hub/bridge collaborators.
package main

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis/v8"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/marklabs/mark/internal/adminapi"
	"github.com/marklabs/mark/internal/balances"
	"github.com/marklabs/mark/internal/bridge"
	"github.com/marklabs/mark/internal/bridge/adapters"
	"github.com/marklabs/mark/internal/callback"
	"github.com/marklabs/mark/internal/chainsvc"
	"github.com/marklabs/mark/internal/config"
	"github.com/marklabs/mark/internal/hubsvc"
	"github.com/marklabs/mark/internal/planner"
	"github.com/marklabs/mark/internal/policy"
	"github.com/marklabs/mark/internal/processor"
	"github.com/marklabs/mark/internal/store/badgerstore"
	"github.com/marklabs/mark/internal/store/earmarks"
	"github.com/marklabs/mark/internal/store/rebalanceops"
	"github.com/marklabs/mark/internal/submitter"
	mt "github.com/marklabs/mark/internal/types"
)

// noopPurchaser reports every direct purchase as not attempted; a real
// deployment supplies its own processor.Purchaser wired to whatever
// purchase mechanism sits in front of the agent's owned liquidity.
type noopPurchaser struct{}

func (noopPurchaser) Purchase(context.Context, mt.Invoice, mt.ChainID, bool) (bool, error) {
	return false, nil
}

// ownAddressRecipient resolves every destination to the agent's own
// address; a real deployment supplies its own processor.RecipientResolver
// when funds should land somewhere else (e.g. a scoped Safe per chain).
type ownAddressRecipient struct {
	addr common.Address
}

func (r ownAddressRecipient) Recipient(mt.ChainID) string { return r.addr.Hex() }

// poolSendTxBuilder resolves the destination pool contract from each
// chain's "pool" deployment entry and builds a minimal ABI-style call:
// selector followed by left-padded recipient and amount.
type poolSendTxBuilder struct {
	chains map[mt.ChainID]mt.ChainConfig
}

func (b poolSendTxBuilder) build(route mt.Route, recipient string, amountNative *big.Int) (string, []byte) {
	selector := []byte{0x9f, 0x4d, 0x1f, 0x0a}
	data := append([]byte{}, selector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(recipient).Bytes(), 32)...)
	// Amount is carried as a fixed-width uint256 at this ABI encoding
	// boundary, the same representation the destination contract's
	// uint256 parameter expects.
	amountU256, _ := uint256.FromBig(amountNative)
	amountBytes := amountU256.Bytes32()
	data = append(data, amountBytes[:]...)
	return b.chains[route.Destination].Deployments["pool"].Hex(), data
}

func main() {
	log.Root().SetHandler(log.StreamHandler(os.Stderr, log.TerminalFormat(true)))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Crit("mark: fatal startup error", "err", err)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Parse(ctx, args)
	if err != nil {
		return errors.Wrap(err, "mark: parse config")
	}

	db, err := badgerstore.Open(cfg.Database.BadgerDir)
	if err != nil {
		return errors.Wrap(err, "mark: open store")
	}
	defer db.Close()

	earmarkSt := earmarks.New(db)
	opsSt := rebalanceops.New(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	gate := policy.New(redisClient)
	if err := seedPauseDefaults(ctx, gate, cfg.PauseDefaults); err != nil {
		return errors.Wrap(err, "mark: seed pause defaults")
	}

	endpoints := make(map[mt.ChainID]string, len(cfg.Chains))
	for id, chain := range cfg.Chains {
		if len(chain.Providers) > 0 {
			endpoints[id] = chain.Providers[0]
		}
	}
	chainClient := chainsvc.NewClient(endpoints)

	deployments := make(map[mt.ChainID]common.Address, len(cfg.Chains))
	for id, chain := range cfg.Chains {
		if addr, ok := chain.Deployments["hub"]; ok {
			deployments[id] = addr
		}
	}
	hubContract := hubsvc.NewHubContract(chainClient, deployments)
	hubClient := hubsvc.NewHTTPHubClient(cfg.Hub.BaseURL, cfg.Hub.RequestTimeout)

	aggregator := balances.NewAggregator(chainClient, hubContract, cfg.Concurrency.MaxBalanceReads)

	registry := bridge.NewRegistry()
	registry.Register(adapters.NewPool("pool", poolSendTxBuilder{chains: cfg.Chains}.build))

	plnr := planner.New(registry, cfg.Chains, cfg.OnDemandRoutes)
	sub := submitter.New(chainClient, nil)

	processorCfg := processor.Config{
		TickInterval:           cfg.Ticks.InvoiceInterval,
		StandaloneOrphanPolicy: cfg.StandaloneOrphanPolicy,
	}
	proc := processor.New(processorCfg, hubClient, earmarkSt, opsSt, aggregator, plnr, gate, sub, registry, cfg.Chains, cfg.OwnAddress, noopPurchaser{}, ownAddressRecipient{addr: cfg.OwnAddress})
	if err := proc.Start(ctx); err != nil {
		return errors.Wrap(err, "mark: start invoice processor")
	}
	defer proc.StopAndWait()

	callbackCfg := callback.Config{TickInterval: cfg.Ticks.CallbackInterval}
	exec := callback.New(callbackCfg, opsSt, earmarkSt, registry, cfg.Routes, cfg.Chains, cfg.OwnAddress, sub)
	if err := exec.Start(ctx); err != nil {
		return errors.Wrap(err, "mark: start callback executor")
	}
	defer exec.StopAndWait()

	admin := adminapi.New(adminapi.Config{
		ListenAddr:   cfg.AdminAPI.ListenAddr,
		SharedSecret: cfg.AdminAPI.SharedSecret,
	}, gate, earmarkSt, opsSt)

	server := &http.Server{
		Addr:         cfg.AdminAPI.ListenAddr,
		Handler:      admin.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("mark: admin HTTP surface listening", "addr", cfg.AdminAPI.ListenAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("mark: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("mark: admin surface shutdown error", "err", err)
		}
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "mark: admin surface failed")
		}
	}

	return nil
}

func seedPauseDefaults(ctx context.Context, gate *policy.Gate, defaults config.PauseDefaultsConfig) error {
	seeds := map[mt.PauseFlag]bool{
		mt.PausePurchase:  defaults.Purchase,
		mt.PauseRebalance: defaults.Rebalance,
		mt.PauseOnDemand:  defaults.OnDemand,
	}
	for flag, shouldPause := range seeds {
		if !shouldPause {
			continue
		}
		if err := gate.SetPause(ctx, flag); err != nil && !errors.Is(err, policy.ErrAlreadyPaused) {
			return err
		}
	}
	return nil
}
