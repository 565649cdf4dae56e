package adminapi

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v3"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/marklabs/mark/internal/policy"
	"github.com/marklabs/mark/internal/store/badgerstore"
	"github.com/marklabs/mark/internal/store/earmarks"
	"github.com/marklabs/mark/internal/store/rebalanceops"
	mt "github.com/marklabs/mark/internal/types"
)

const testSecret = "s3cr3t"

func newTestServer(t *testing.T) (*Server, *badger.DB, *earmarks.Store, *rebalanceops.Store) {
	t.Helper()
	db, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	gate := policy.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	earmarkSt := earmarks.New(db)
	opsSt := rebalanceops.New(db)
	s := New(Config{ListenAddr: ":0", SharedSecret: testSecret}, gate, earmarkSt, opsSt)
	return s, db, earmarkSt, opsSt
}

func doRequest(s *Server, method, path string, body interface{}, withAuth bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if withAuth {
		req.Header.Set(sharedSecretHeader, testSecret)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUnauthenticatedRequestForbidden(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(s, "GET", "/admin/rebalance/operations", nil, false)
	require.Equal(t, 403, rec.Code)
}

func TestUnknownRouteNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(s, "GET", "/admin/nope", nil, true)
	require.Equal(t, 404, rec.Code)
}

func TestPauseThenUnpauseRoundTrip(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(s, "POST", "/admin/pause/purchase", nil, true)
	require.Equal(t, 200, rec.Code)

	rec = doRequest(s, "POST", "/admin/pause/purchase", nil, true)
	require.Equal(t, 500, rec.Code)

	rec = doRequest(s, "POST", "/admin/unpause/purchase", nil, true)
	require.Equal(t, 200, rec.Code)

	rec = doRequest(s, "POST", "/admin/unpause/purchase", nil, true)
	require.Equal(t, 500, rec.Code)
}

func TestPauseUnknownFlagNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(s, "POST", "/admin/pause/bogus", nil, true)
	require.Equal(t, 404, rec.Code)
}

func TestCancelEarmarkRoundTrip(t *testing.T) {
	s, _, earmarkSt, _ := newTestServer(t)
	earmark, err := earmarkSt.CreateEarmark("inv-1", 8453, "USDC", big.NewInt(1000), mt.EarmarkPending)
	require.NoError(t, err)

	rec := doRequest(s, "POST", "/admin/rebalance/cancel", map[string]string{"earmarkId": earmark.ID}, true)
	require.Equal(t, 200, rec.Code)

	refreshed, err := earmarkSt.GetEarmark(earmark.ID)
	require.NoError(t, err)
	require.Equal(t, mt.EarmarkCancelled, refreshed.Status)
}

func TestCancelEarmarkMalformedBody(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(s, "POST", "/admin/rebalance/cancel", map[string]string{}, true)
	require.Equal(t, 400, rec.Code)
}

func TestCancelEarmarkNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(s, "POST", "/admin/rebalance/cancel", map[string]string{"earmarkId": "missing"}, true)
	require.Equal(t, 404, rec.Code)
}

func TestCancelOperationRejectsCompleted(t *testing.T) {
	s, _, _, opsSt := newTestServer(t)
	op, err := opsSt.CreateOperation(rebalanceops.NewOperationInput{
		OriginChainID: 1, DestinationChainID: 8453, TickerHash: "USDC",
		Amount: "1000", Bridge: "B", OriginReceipt: mt.TxRecord{Hash: "0xorigin", Receipt: "0xorigin"},
	})
	require.NoError(t, err)
	completed := mt.OpCompleted
	_, err = opsSt.UpdateOperation(op.ID, rebalanceops.UpdateInput{Status: &completed})
	require.NoError(t, err)

	rec := doRequest(s, "POST", "/admin/rebalance/operation/cancel", map[string]string{"operationId": op.ID}, true)
	require.Equal(t, 400, rec.Code)
}

func TestGetOperationRoundTrip(t *testing.T) {
	s, _, _, opsSt := newTestServer(t)
	op, err := opsSt.CreateOperation(rebalanceops.NewOperationInput{
		OriginChainID: 1, DestinationChainID: 8453, TickerHash: "USDC",
		Amount: "1000", Bridge: "B", OriginReceipt: mt.TxRecord{Hash: "0xorigin", Receipt: "0xorigin"},
	})
	require.NoError(t, err)

	rec := doRequest(s, "GET", "/admin/rebalance/operation/"+op.ID, nil, true)
	require.Equal(t, 200, rec.Code)

	var got mt.RebalanceOperation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, op.ID, got.ID)
}

func TestGetOperationMalformedID(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(s, "GET", "/admin/rebalance/operation/not-a-uuid", nil, true)
	require.Equal(t, 400, rec.Code)
}

func TestListEarmarksJoinsOperations(t *testing.T) {
	s, _, earmarkSt, opsSt := newTestServer(t)
	earmark, err := earmarkSt.CreateEarmark("inv-1", 8453, "USDC", big.NewInt(1000), mt.EarmarkPending)
	require.NoError(t, err)
	_, err = opsSt.CreateOperation(rebalanceops.NewOperationInput{
		EarmarkID: &earmark.ID, InvoiceID: strPtrAdmin("inv-1"),
		OriginChainID: 1, DestinationChainID: 8453, TickerHash: "USDC",
		Amount: "1000", Bridge: "B", OriginReceipt: mt.TxRecord{Hash: "0xorigin", Receipt: "0xorigin"},
	})
	require.NoError(t, err)

	rec := doRequest(s, "GET", "/admin/rebalance/earmarks", nil, true)
	require.Equal(t, 200, rec.Code)

	var got []earmarkWithOperations
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Len(t, got[0].Operations, 1)
}

func strPtrAdmin(s string) *string { return &s }
