// Package hubsvc implements the two external hub collaborators:
// the hub's read-only HTTP API (outstanding invoices, min amounts) and
// the hub contract's custodiedAssets view, called through the chain
// collaborator.
package hubsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/marklabs/mark/internal/chainsvc"
	"github.com/marklabs/mark/internal/errkind"
	mt "github.com/marklabs/mark/internal/types"
)

// HubClient is the hub collaborator contract: two idempotent reads.
type HubClient interface {
	GetOutstandingInvoices(ctx context.Context) ([]mt.Invoice, error)
	GetMinAmounts(ctx context.Context, invoiceID string) (mt.MinAmounts, error)
}

// HTTPHubClient talks to the hub's HTTP API.
type HTTPHubClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPHubClient builds a hub client against baseURL with the given
// per-request timeout.
func NewHTTPHubClient(baseURL string, timeout time.Duration) *HTTPHubClient {
	return &HTTPHubClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPHubClient) GetOutstandingInvoices(ctx context.Context) ([]mt.Invoice, error) {
	var invoices []mt.Invoice
	err := c.getJSON(ctx, "/invoices/outstanding", &invoices)
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (c *HTTPHubClient) GetMinAmounts(ctx context.Context, invoiceID string) (mt.MinAmounts, error) {
	var raw map[string]string
	path := fmt.Sprintf("/invoices/%s/min-amounts", invoiceID)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	out := make(mt.MinAmounts, len(raw))
	for chainStr, amountStr := range raw {
		var chainID uint64
		if _, err := fmt.Sscanf(chainStr, "%d", &chainID); err != nil {
			return nil, errors.Wrapf(errkind.ErrTransientRPC, "malformed chain id %q in min-amounts response", chainStr)
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return nil, errors.Wrapf(errkind.ErrTransientRPC, "malformed amount %q in min-amounts response", amountStr)
		}
		out[mt.ChainID(chainID)] = amount
	}
	return out, nil
}

func (c *HTTPHubClient) getJSON(ctx context.Context, path string, dest interface{}) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "build hub request"))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return errors.Wrap(errkind.ErrTransientRPC, err.Error())
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errors.Wrapf(errkind.ErrTransientRPC, "hub returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(errors.Errorf("hub returned %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(dest)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// HubContract is the hub contract collaborator: a single view call,
// custodiedAssets(assetHash), made through the chain collaborator.
type HubContract struct {
	chain        chainsvc.Collaborator
	deployments  map[mt.ChainID]common.Address
}

// NewHubContract builds a hub-contract collaborator over chain,
// using one hub contract deployment address per chain.
func NewHubContract(chain chainsvc.Collaborator, deployments map[mt.ChainID]common.Address) *HubContract {
	return &HubContract{chain: chain, deployments: deployments}
}

// custodiedAssetsSelector is the 4-byte selector for
// custodiedAssets(bytes32).
var custodiedAssetsSelector = []byte{0x8a, 0x6f, 0x6d, 0x2e}

// AssetHash computes keccak256(abi.encode(tokenAddress, chainId)),
// bit-exact with the hub's own hashing.
func AssetHash(token common.Address, chainID mt.ChainID) [32]byte {
	var buf [64]byte
	copy(buf[12:32], token.Bytes())
	new(big.Int).SetUint64(uint64(chainID)).FillBytes(buf[32:64])
	return crypto.Keccak256Hash(buf[:])
}

// CustodiedAssets returns the hub's custodied balance of assetHash on
// chain, in that asset's native decimals.
func (h *HubContract) CustodiedAssets(ctx context.Context, chain mt.ChainID, assetHash [32]byte) (*big.Int, error) {
	hubAddr, ok := h.deployments[chain]
	if !ok {
		return nil, errors.Wrapf(errkind.ErrConfig, "no hub deployment configured for chain %d", chain)
	}
	data := make([]byte, 0, 36)
	data = append(data, custodiedAssetsSelector...)
	data = append(data, assetHash[:]...)

	result, err := h.chain.Call(ctx, chain, hubAddr, data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(result), nil
}
