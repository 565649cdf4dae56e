// Package config resolves the mark agent's configuration surface: a
// JSON file carrying the static chain/route/asset topology, overlaid
// with flag-provided scalar overrides, following the same
// ParseXxx(ctx, args) (*Config, error) shape used elsewhere in this
// codebase for flag parsing.
package config

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	mt "github.com/marklabs/mark/internal/types"
)

// RedisConfig is the pause-flag cache connection.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DatabaseConfig is the embedded store's location.
type DatabaseConfig struct {
	BadgerDir string `json:"badgerDir"`
}

// HubConfig is the hub HTTP client's dial configuration.
type HubConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// PauseDefaultsConfig seeds the three pause flags at startup if unset
// in redis.
type PauseDefaultsConfig struct {
	Purchase  bool `json:"purchase"`
	Rebalance bool `json:"rebalance"`
	OnDemand  bool `json:"ondemand"`
}

// AdminAPIConfig is the admin HTTP surface's listen configuration.
type AdminAPIConfig struct {
	ListenAddr   string `json:"listenAddr"`
	SharedSecret string `json:"sharedSecret"`
}

// ConcurrencyConfig bounds fan-out across balance reads. MaxQuotes is
// parsed but not read by the planner, which quotes sequentially.
type ConcurrencyConfig struct {
	MaxBalanceReads int64 `json:"maxBalanceReads"`
	MaxQuotes       int64 `json:"maxQuotes"`
}

// TicksConfig sets the two tick loops' cadence.
type TicksConfig struct {
	InvoiceInterval  time.Duration
	CallbackInterval time.Duration
}

// Config is the fully resolved configuration surface for the agent
// process.
type Config struct {
	OwnAddress       common.Address
	Chains           map[mt.ChainID]mt.ChainConfig
	SupportedTickers []mt.TickerHash
	Routes           []mt.Route
	OnDemandRoutes   []mt.Route

	Redis          RedisConfig
	Database       DatabaseConfig
	Hub            HubConfig
	PauseDefaults  PauseDefaultsConfig
	DbpsMultiplier int64
	AdminAPI       AdminAPIConfig
	Concurrency    ConcurrencyConfig
	Ticks          TicksConfig

	// StandaloneOrphanPolicy governs whether a rebalance operation
	// recorded without an owning earmark (a standalone send after a
	// lost earmark-creation race) is marked orphaned at insert
	// ("orphan") or left non-orphaned ("leave").
	StandaloneOrphanPolicy string
}

// Parse resolves Config from args: --config.file names the JSON
// topology file, and every other flag below overrides one scalar leaf
// of the file's contents. ctx is accepted for symmetry with the rest
// of the engine's collaborator constructors and is not yet used for
// cancellation during parsing.
func Parse(ctx context.Context, args []string) (*Config, error) {
	fs := pflag.NewFlagSet("mark", pflag.ContinueOnError)

	configFile := fs.String("config.file", "", "path to the JSON configuration file")
	fs.String("redis.addr", "", "redis address for the pause-flag cache")
	fs.String("redis.password", "", "redis password")
	fs.Int("redis.db", 0, "redis logical database index")
	fs.String("database.badgerDir", "", "badger data directory")
	fs.String("hub.baseURL", "", "hub HTTP API base URL")
	fs.Duration("hub.requestTimeout", 10*time.Second, "hub HTTP request timeout")
	fs.Bool("pauseDefaults.purchase", false, "seed the purchase pause flag on startup")
	fs.Bool("pauseDefaults.rebalance", false, "seed the rebalance pause flag on startup")
	fs.Bool("pauseDefaults.ondemand", false, "seed the on-demand pause flag on startup")
	fs.Int64("dbpsMultiplier", 100000, "slippage dbps multiplier")
	fs.String("adminAPI.listenAddr", ":8090", "admin HTTP surface listen address")
	fs.String("adminAPI.sharedSecret", "", "admin HTTP surface shared secret")
	fs.Int64("concurrency.maxBalanceReads", 8, "max concurrent balance reads")
	fs.Int64("concurrency.maxQuotes", 8, "max concurrent planner quotes")
	fs.Duration("ticks.invoiceInterval", 5*time.Second, "invoice tick interval")
	fs.Duration("ticks.callbackInterval", 5*time.Second, "callback tick interval")
	fs.String("standaloneOrphanPolicy", "orphan", "orphan flag for standalone operations recorded after a lost earmark race: orphan|leave")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "config: parse flags")
	}

	var w wireConfig
	if *configFile != "" {
		raw, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", *configFile)
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", *configFile)
		}
	}

	k := koanf.New(".")
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, errors.Wrap(err, "config: load flag overrides")
	}

	if v := k.String("redis.addr"); v != "" {
		w.Redis.Addr = v
	}
	if v := k.String("redis.password"); v != "" {
		w.Redis.Password = v
	}
	if fs.Changed("redis.db") {
		w.Redis.DB = k.Int("redis.db")
	}
	if v := k.String("database.badgerDir"); v != "" {
		w.Database.BadgerDir = v
	}
	if v := k.String("hub.baseURL"); v != "" {
		w.Hub.BaseURL = v
	}
	if fs.Changed("hub.requestTimeout") {
		w.Hub.RequestTimeoutSeconds = int(k.Duration("hub.requestTimeout").Seconds())
	}
	if fs.Changed("pauseDefaults.purchase") {
		w.PauseDefaults.Purchase = k.Bool("pauseDefaults.purchase")
	}
	if fs.Changed("pauseDefaults.rebalance") {
		w.PauseDefaults.Rebalance = k.Bool("pauseDefaults.rebalance")
	}
	if fs.Changed("pauseDefaults.ondemand") {
		w.PauseDefaults.OnDemand = k.Bool("pauseDefaults.ondemand")
	}
	if fs.Changed("dbpsMultiplier") || w.DbpsMultiplier == 0 {
		w.DbpsMultiplier = k.Int64("dbpsMultiplier")
	}
	if v := k.String("adminAPI.listenAddr"); v != "" {
		w.AdminAPI.ListenAddr = v
	}
	if v := k.String("adminAPI.sharedSecret"); v != "" {
		w.AdminAPI.SharedSecret = v
	}
	if fs.Changed("concurrency.maxBalanceReads") || w.Concurrency.MaxBalanceReads == 0 {
		w.Concurrency.MaxBalanceReads = k.Int64("concurrency.maxBalanceReads")
	}
	if fs.Changed("concurrency.maxQuotes") || w.Concurrency.MaxQuotes == 0 {
		w.Concurrency.MaxQuotes = k.Int64("concurrency.maxQuotes")
	}
	if fs.Changed("ticks.invoiceInterval") || w.Ticks.InvoiceIntervalSeconds == 0 {
		w.Ticks.InvoiceIntervalSeconds = int(k.Duration("ticks.invoiceInterval").Seconds())
	}
	if fs.Changed("ticks.callbackInterval") || w.Ticks.CallbackIntervalSeconds == 0 {
		w.Ticks.CallbackIntervalSeconds = int(k.Duration("ticks.callbackInterval").Seconds())
	}
	if v := k.String("standaloneOrphanPolicy"); v != "" && (fs.Changed("standaloneOrphanPolicy") || w.StandaloneOrphanPolicy == "") {
		w.StandaloneOrphanPolicy = v
	}

	cfg, err := wireToConfig(w)
	if err != nil {
		return nil, err
	}
	if cfg.StandaloneOrphanPolicy != "orphan" && cfg.StandaloneOrphanPolicy != "leave" {
		return nil, errors.Errorf("config: standaloneOrphanPolicy must be \"orphan\" or \"leave\", got %q", cfg.StandaloneOrphanPolicy)
	}
	return cfg, nil
}
