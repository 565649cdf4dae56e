// Package submitter implements the Transaction Submitter (C9): the
// single place a prepared transaction is rewrapped for scoped
// execution (if configured) and handed to the chain collaborator.
package submitter

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/marklabs/mark/internal/chainsvc"
	mt "github.com/marklabs/mark/internal/types"
)

// ScopedWrapper rebuilds a prepared call as a call through the
// scoped-execution module with the configured role, returning the new
// (to, data) pair the submitter should actually send.
type ScopedWrapper interface {
	Wrap(cfg mt.ScopedExecutionConfig, to common.Address, data []byte, value *big.Int) (to2 common.Address, data2 []byte)
}

// Submitter is the Transaction Submitter.
type Submitter struct {
	chain  chainsvc.Collaborator
	scoped ScopedWrapper
}

// New builds a Submitter. scoped may be nil if no chain in the
// deployment uses scoped execution.
func New(chain chainsvc.Collaborator, scoped ScopedWrapper) *Submitter {
	return &Submitter{chain: chain, scoped: scoped}
}

// Submit sends a prepared transaction on chain, rewrapping it through
// scoped execution first if cfg is non-nil. It propagates the chain
// collaborator's failure kinds unchanged.
func (s *Submitter) Submit(ctx context.Context, chain mt.ChainID, from common.Address, to common.Address, data []byte, value *big.Int, cfg *mt.ScopedExecutionConfig) (*chainsvc.SubmitResult, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	finalTo, finalData := to, data
	if cfg != nil {
		if s.scoped == nil {
			return nil, errors.New("submitter: scoped execution configured but no wrapper provided")
		}
		finalTo, finalData = s.scoped.Wrap(*cfg, to, data, value)
	}

	req := chainsvc.TxRequest{
		From:  from,
		To:    finalTo,
		Data:  finalData,
		Value: value,
	}
	return s.chain.SubmitAndMonitor(ctx, chain, req)
}
