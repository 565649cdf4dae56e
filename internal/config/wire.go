package config

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	mt "github.com/marklabs/mark/internal/types"
)

func hexToAddress(s string) common.Address {
	return common.HexToAddress(s)
}

func parseChainID(s string) (mt.ChainID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "config: malformed chain id %q", s)
	}
	return mt.ChainID(n), nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// wireConfig is the on-disk shape of the config file: JSON field names
// match the configuration surface, nested chain/route/asset structures
// decode straight through encoding/json with addresses and amounts
// kept as strings, and wireToConfig converts it (via hexToAddress and
// parseBigOrNil) into the Go-native Config the rest of the engine
// consumes.
type wireConfig struct {
	OwnAddress       string                      `json:"ownAddress"`
	Chains           map[string]wireChain        `json:"chains"`
	SupportedTickers []string                    `json:"supportedTickers"`
	Routes           []wireRoute                 `json:"routes"`
	OnDemandRoutes   []wireRoute                 `json:"onDemandRoutes"`
	Redis            RedisConfig                 `json:"redis"`
	Database         DatabaseConfig              `json:"database"`
	Hub              wireHub                     `json:"hub"`
	PauseDefaults    PauseDefaultsConfig         `json:"pauseDefaults"`
	DbpsMultiplier   int64                       `json:"dbpsMultiplier"`
	AdminAPI         AdminAPIConfig              `json:"adminAPI"`
	Concurrency      ConcurrencyConfig           `json:"concurrency"`
	Ticks            wireTicks                   `json:"ticks"`
	StandaloneOrphanPolicy string                `json:"standaloneOrphanPolicy"`
}

type wireHub struct {
	BaseURL        string `json:"baseURL"`
	RequestTimeoutSeconds int `json:"requestTimeoutSeconds"`
}

type wireTicks struct {
	InvoiceIntervalSeconds  int `json:"invoiceIntervalSeconds"`
	CallbackIntervalSeconds int `json:"callbackIntervalSeconds"`
}

type wireChain struct {
	Providers       []string               `json:"providers"`
	Assets          map[string]wireAsset   `json:"assets"`
	Deployments     map[string]string      `json:"deployments"`
	InvoiceAge      int64                  `json:"invoiceAge"`
	GasThreshold    string                 `json:"gasThreshold"`
	ScopedExecution *wireScopedExecution   `json:"scopedExecution"`
}

type wireAsset struct {
	Symbol     string `json:"symbol"`
	Address    string `json:"address"`
	Decimals   uint8  `json:"decimals"`
	TickerHash string `json:"tickerHash"`
	IsNative   bool   `json:"isNative"`
}

type wireScopedExecution struct {
	Module string `json:"module"`
	Role   string `json:"role"`
	Safe   string `json:"safe"`
}

type wireRoute struct {
	Origin        uint64   `json:"origin"`
	Destination   uint64   `json:"destination"`
	Asset         string   `json:"asset"`
	Maximum       string   `json:"maximum"`
	Reserve       string   `json:"reserve"`
	SlippagesDbps []int64  `json:"slippagesDbps"`
	Preferences   []string `json:"preferences"`
}

func parseBigOrNil(s string) *big.Int {
	if s == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return n
}

func wireToConfig(w wireConfig) (*Config, error) {
	chains := make(map[mt.ChainID]mt.ChainConfig, len(w.Chains))
	for idStr, wc := range w.Chains {
		id, err := parseChainID(idStr)
		if err != nil {
			return nil, err
		}
		assets := make(map[mt.TickerHash]mt.AssetConfig, len(wc.Assets))
		for ticker, wa := range wc.Assets {
			assets[mt.TickerHash(ticker)] = mt.AssetConfig{
				Symbol:     wa.Symbol,
				Address:    hexToAddress(wa.Address),
				Decimals:   wa.Decimals,
				TickerHash: mt.TickerHash(wa.TickerHash),
				IsNative:   wa.IsNative,
			}
		}
		deploymentsOut := make(map[string]common.Address, len(wc.Deployments))
		for name, addr := range wc.Deployments {
			deploymentsOut[name] = hexToAddress(addr)
		}
		var scoped *mt.ScopedExecutionConfig
		if wc.ScopedExecution != nil {
			scoped = &mt.ScopedExecutionConfig{
				Module: wc.ScopedExecution.Module,
				Role:   wc.ScopedExecution.Role,
				Safe:   hexToAddress(wc.ScopedExecution.Safe),
			}
		}
		chains[id] = mt.ChainConfig{
			ChainID:         id,
			Providers:       wc.Providers,
			Assets:          assets,
			Deployments:     deploymentsOut,
			InvoiceAge:      wc.InvoiceAge,
			GasThreshold:    parseBigOrNil(wc.GasThreshold),
			ScopedExecution: scoped,
		}
	}

	tickers := make([]mt.TickerHash, 0, len(w.SupportedTickers))
	for _, t := range w.SupportedTickers {
		tickers = append(tickers, mt.TickerHash(t))
	}

	routes, err := wireRoutesToRoutes(w.Routes)
	if err != nil {
		return nil, err
	}
	onDemandRoutes, err := wireRoutesToRoutes(w.OnDemandRoutes)
	if err != nil {
		return nil, err
	}

	return &Config{
		OwnAddress:       hexToAddress(w.OwnAddress),
		Chains:           chains,
		SupportedTickers: tickers,
		Routes:           routes,
		OnDemandRoutes:   onDemandRoutes,
		Redis:            w.Redis,
		Database:         w.Database,
		Hub: HubConfig{
			BaseURL:        w.Hub.BaseURL,
			RequestTimeout: secondsToDuration(w.Hub.RequestTimeoutSeconds),
		},
		PauseDefaults:  w.PauseDefaults,
		DbpsMultiplier: w.DbpsMultiplier,
		AdminAPI:       w.AdminAPI,
		Concurrency:    w.Concurrency,
		Ticks: TicksConfig{
			InvoiceInterval:  secondsToDuration(w.Ticks.InvoiceIntervalSeconds),
			CallbackInterval: secondsToDuration(w.Ticks.CallbackIntervalSeconds),
		},
		StandaloneOrphanPolicy: w.StandaloneOrphanPolicy,
	}, nil
}

func wireRoutesToRoutes(in []wireRoute) ([]mt.Route, error) {
	out := make([]mt.Route, 0, len(in))
	for _, wr := range in {
		prefs := make([]mt.BridgeTag, 0, len(wr.Preferences))
		for _, p := range wr.Preferences {
			prefs = append(prefs, mt.BridgeTag(p))
		}
		out = append(out, mt.Route{
			Origin:        mt.ChainID(wr.Origin),
			Destination:   mt.ChainID(wr.Destination),
			Asset:         mt.TickerHash(wr.Asset),
			Maximum:       parseBigOrNil(wr.Maximum),
			Reserve:       parseBigOrNil(wr.Reserve),
			SlippagesDbps: wr.SlippagesDbps,
			Preferences:   prefs,
		})
	}
	return out, nil
}
