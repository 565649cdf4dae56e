// Package chainsvc is the chain collaborator: a thin wrapper
// over ethclient that the rest of the core treats as an external
// dependency. Per-chain clients are keyed by ChainID and dialed lazily.
package chainsvc

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	errkind "github.com/marklabs/mark/internal/errkind"
	mt "github.com/marklabs/mark/internal/types"
)

// TxRequest is a prepared, unsigned transaction request as produced by
// a bridge adapter or the scoped-execution wrapper.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	From     common.Address
	FuncSig  string
}

// SubmitResult is what submitAndMonitor returns once the chain
// collaborator has a confirmed receipt.
type SubmitResult struct {
	Hash    common.Hash
	Receipt *types.Receipt
}

// Collaborator is the chain-RPC contract the rest of the engine
// depends on. It is satisfied by *Client below, or by a test double.
type Collaborator interface {
	GetBalance(ctx context.Context, chain mt.ChainID, owner, token common.Address) (*big.Int, error)
	SubmitAndMonitor(ctx context.Context, chain mt.ChainID, req TxRequest) (*SubmitResult, error)
	ReadTx(ctx context.Context, chain mt.ChainID, hash common.Hash) (*types.Receipt, error)
	Call(ctx context.Context, chain mt.ChainID, to common.Address, data []byte) ([]byte, error)
}

// erc20BalanceOfSelector is the 4-byte selector for balanceOf(address).
var erc20BalanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// Client dials one ethclient.Client per configured chain RPC endpoint.
type Client struct {
	endpoints map[mt.ChainID]string
	receiptPollInterval time.Duration
	receiptTimeout      time.Duration

	mu      sync.Mutex
	clients map[mt.ChainID]*ethclient.Client
}

// NewClient builds a chain collaborator over the given per-chain RPC
// endpoints.
func NewClient(endpoints map[mt.ChainID]string) *Client {
	return &Client{
		endpoints:           endpoints,
		receiptPollInterval: 3 * time.Second,
		receiptTimeout:      2 * time.Minute,
		clients:             make(map[mt.ChainID]*ethclient.Client),
	}
}

func (c *Client) dial(ctx context.Context, chain mt.ChainID) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[chain]; ok {
		return cl, nil
	}
	endpoint, ok := c.endpoints[chain]
	if !ok {
		return nil, errors.Wrapf(errkind.ErrConfig, "no rpc endpoint configured for chain %d", chain)
	}
	cl, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrapf(errkind.ErrTransientRPC, "dial chain %d: %v", chain, err)
	}
	c.clients[chain] = cl
	return cl, nil
}

// GetBalance returns a native or ERC-20 balance for owner on chain, in
// that asset's native decimals. token == the native sentinel (zero
// address) means "native gas asset".
func (c *Client) GetBalance(ctx context.Context, chain mt.ChainID, owner, token common.Address) (*big.Int, error) {
	cl, err := c.dial(ctx, chain)
	if err != nil {
		return nil, err
	}
	if token == mt.NativeAddressSentinel {
		bal, err := cl.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, errors.Wrapf(errkind.ErrTransientRPC, "native balance chain %d: %v", chain, err)
		}
		return bal, nil
	}

	data := make([]byte, 0, 36)
	data = append(data, erc20BalanceOfSelector...)
	data = append(data, leftPad32(owner.Bytes())...)

	result, err := cl.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, errors.Wrapf(errkind.ErrTransientRPC, "balanceOf chain %d token %s: %v", chain, token.Hex(), err)
	}
	return new(big.Int).SetBytes(result), nil
}

// SubmitAndMonitor submits a prepared transaction and blocks, polling
// at a fixed interval, until it has a receipt or the receipt timeout
// elapses.
func (c *Client) SubmitAndMonitor(ctx context.Context, chain mt.ChainID, req TxRequest) (*SubmitResult, error) {
	cl, err := c.dial(ctx, chain)
	if err != nil {
		return nil, err
	}

	nonce, err := cl.PendingNonceAt(ctx, req.From)
	if err != nil {
		return nil, errors.Wrapf(errkind.ErrTransientRPC, "pending nonce chain %d: %v", chain, err)
	}
	gasPrice, err := cl.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrapf(errkind.ErrTransientRPC, "suggest gas price chain %d: %v", chain, err)
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	gasLimit, err := cl.EstimateGas(ctx, ethereum.CallMsg{
		From:  req.From,
		To:    &req.To,
		Value: value,
		Data:  req.Data,
	})
	if err != nil {
		return nil, errors.Wrapf(errkind.ErrTransientRPC, "estimate gas chain %d: %v", chain, err)
	}

	tx := types.NewTransaction(nonce, req.To, value, gasLimit, gasPrice, req.Data)

	// The signer is external to this core (raw RPC / signer transport
	// is out of scope here). This client does not sign: the transaction
	// built above, with req.Data as its call data, is handed to
	// SendTransaction as-is.
	if err := cl.SendTransaction(ctx, tx); err != nil {
		return nil, errors.Wrapf(errkind.ErrTransientRPC, "send tx chain %d: %v", chain, err)
	}

	receipt, err := c.waitForReceipt(ctx, cl, tx.Hash())
	if err != nil {
		return nil, err
	}
	log.Info("chainsvc: transaction confirmed", "chain", chain, "hash", tx.Hash().Hex(), "status", receipt.Status)
	return &SubmitResult{Hash: tx.Hash(), Receipt: receipt}, nil
}

func (c *Client) waitForReceipt(ctx context.Context, cl *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	localCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := cl.TransactionReceipt(localCtx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, errors.Wrap(errkind.ErrTransientRPC, err.Error())
		}
		select {
		case <-localCtx.Done():
			return nil, errors.Wrap(errkind.ErrTransientRPC, "timed out waiting for receipt")
		case <-ticker.C:
			continue
		}
	}
}

// Call performs a read-only eth_call against to on chain, returning
// the raw ABI-encoded result.
func (c *Client) Call(ctx context.Context, chain mt.ChainID, to common.Address, data []byte) ([]byte, error) {
	cl, err := c.dial(ctx, chain)
	if err != nil {
		return nil, err
	}
	result, err := cl.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(errkind.ErrTransientRPC, "call chain %d to %s: %v", chain, to.Hex(), err)
	}
	return result, nil
}

// ReadTx fetches a transaction's receipt by hash.
func (c *Client) ReadTx(ctx context.Context, chain mt.ChainID, hash common.Hash) (*types.Receipt, error) {
	cl, err := c.dial(ctx, chain)
	if err != nil {
		return nil, err
	}
	receipt, err := cl.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, errors.Wrapf(errkind.ErrTransientRPC, "read tx chain %d: %v", chain, err)
	}
	return receipt, nil
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
