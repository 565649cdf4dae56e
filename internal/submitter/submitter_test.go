package submitter

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/marklabs/mark/internal/chainsvc"
	mt "github.com/marklabs/mark/internal/types"
)

type fakeCollaborator struct {
	lastReq chainsvc.TxRequest
	lastChain mt.ChainID
}

func (f *fakeCollaborator) GetBalance(context.Context, mt.ChainID, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeCollaborator) SubmitAndMonitor(_ context.Context, chain mt.ChainID, req chainsvc.TxRequest) (*chainsvc.SubmitResult, error) {
	f.lastReq = req
	f.lastChain = chain
	return &chainsvc.SubmitResult{Hash: common.HexToHash("0x1"), Receipt: &types.Receipt{Status: 1}}, nil
}

func (f *fakeCollaborator) ReadTx(context.Context, mt.ChainID, common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func (f *fakeCollaborator) Call(context.Context, mt.ChainID, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

type fakeScopedWrapper struct {
	calledWith mt.ScopedExecutionConfig
}

func (f *fakeScopedWrapper) Wrap(cfg mt.ScopedExecutionConfig, to common.Address, data []byte, value *big.Int) (common.Address, []byte) {
	f.calledWith = cfg
	return common.HexToAddress("0xSAFE"), append([]byte("wrapped:"), data...)
}

func TestSubmitWithoutScopedExecution(t *testing.T) {
	chain := &fakeCollaborator{}
	s := New(chain, nil)

	to := common.HexToAddress("0xabc")
	result, err := s.Submit(context.Background(), mt.ChainID(1), common.HexToAddress("0xfrom"), to, []byte("data"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Receipt.Status)
	require.Equal(t, to, chain.lastReq.To)
	require.Equal(t, mt.ChainID(1), chain.lastChain)
}

func TestSubmitWithScopedExecutionRewraps(t *testing.T) {
	chain := &fakeCollaborator{}
	wrapper := &fakeScopedWrapper{}
	s := New(chain, wrapper)

	cfg := mt.ScopedExecutionConfig{Module: "mod", Role: "role", Safe: common.HexToAddress("0xSAFE")}
	to := common.HexToAddress("0xabc")
	_, err := s.Submit(context.Background(), mt.ChainID(1), common.HexToAddress("0xfrom"), to, []byte("data"), nil, &cfg)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xSAFE"), chain.lastReq.To)
	require.Equal(t, "role", wrapper.calledWith.Role)
}

func TestSubmitScopedWithoutWrapperErrors(t *testing.T) {
	chain := &fakeCollaborator{}
	s := New(chain, nil)

	cfg := mt.ScopedExecutionConfig{}
	_, err := s.Submit(context.Background(), mt.ChainID(1), common.HexToAddress("0xfrom"), common.HexToAddress("0xabc"), nil, nil, &cfg)
	require.Error(t, err)
}
