// Package bridge defines the adapter contract: a polymorphic
// handle over a heterogeneous cross-chain bridge, and the registry
// that maps a BridgeTag to one concrete adapter.
package bridge

import (
	"context"
	"math/big"

	"github.com/pkg/errors"

	mt "github.com/marklabs/mark/internal/types"
)

// PreparedTx is one transaction an adapter wants submitted, tagged
// with the role it plays in the transfer.
type PreparedTx struct {
	Memo            mt.TxMemo
	To              string
	Data            []byte
	Value           *big.Int
	EffectiveAmount *big.Int // set only when the adapter capped the input
}

// Quote is the result of Adapter.Quote.
type Quote struct {
	AmountOutNative *big.Int
}

// Adapter is the capability set every bridge implementation exposes.
// MinAmount may return nil when the bridge has no enforced floor.
type Adapter interface {
	Type() mt.BridgeTag
	Quote(ctx context.Context, route mt.Route, amountNative *big.Int) (*Quote, error)
	MinAmount(ctx context.Context, route mt.Route) (*big.Int, error)
	Send(ctx context.Context, refundAddress, recipient string, amountNative *big.Int, route mt.Route) ([]PreparedTx, error)
	DestinationReady(ctx context.Context, amountNative *big.Int, route mt.Route, originReceipt string) (bool, error)
	DestinationCallback(ctx context.Context, route mt.Route, originReceipt string) (*PreparedTx, error)
}

// ErrAdapterNotRegistered is returned by a Registry lookup for an
// unknown BridgeTag. This is a programmer error (bad config),
// not a runtime-recoverable condition; callers should treat it as
// fatal to the operation under construction rather than retry it.
var ErrAdapterNotRegistered = errors.New("bridge: adapter not registered")

// Registry maps a BridgeTag to its adapter instance.
type Registry struct {
	adapters map[mt.BridgeTag]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[mt.BridgeTag]Adapter)}
}

// Register adds adapter under its own Type() tag.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Type()] = adapter
}

// Get looks up the adapter for tag.
func (r *Registry) Get(tag mt.BridgeTag) (Adapter, error) {
	a, ok := r.adapters[tag]
	if !ok {
		return nil, errors.Wrapf(ErrAdapterNotRegistered, "tag %q", tag)
	}
	return a, nil
}
