package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/dripnet/dripd/internal/ledger"
	"github.com/dripnet/dripd/internal/treasury"
)

const testPoolKey = "uatom/uusdc@1h0m0s"

func newTestServer(t *testing.T) (*WebServer, *ledger.Ledger) {
	t.Helper()
	book := treasury.NewBook()
	require.NoError(t, book.Credit("alice", "uatom", sdkmath.NewInt(1_000_000)))
	l := ledger.New(book)
	return NewWebServer("0", l), l
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func enrollOne(t *testing.T, handler http.Handler) positionResponse {
	t.Helper()
	rec := doJSON(t, handler, "POST", "/api/positions", enrollRequest{
		PoolKey:     testPoolKey,
		Owner:       "alice",
		Amount:      "100",
		TotalCycles: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var pos positionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	return pos
}

func TestHealth(t *testing.T) {
	ws, _ := newTestServer(t)
	rec := doJSON(t, ws.Handler(), "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "healthy", health["status"])
	require.Equal(t, "disabled", health["database"])
}

func TestEnrollAndGetPosition(t *testing.T) {
	ws, _ := newTestServer(t)
	pos := enrollOne(t, ws.Handler())

	require.Equal(t, "10", pos.AmountPerCycle)
	require.Equal(t, uint32(10), pos.FinalCycle)

	rec := doJSON(t, ws.Handler(), "GET", "/api/positions/"+pos.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got positionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, pos.ID, got.ID)
	require.Equal(t, "0", got.AccruedOutput)
	require.Equal(t, "100", got.UnconvertedInput)
	require.False(t, got.Closed)
}

func TestEnroll_BadRequests(t *testing.T) {
	ws, _ := newTestServer(t)

	tests := []struct {
		name string
		req  enrollRequest
	}{
		{"bad pool key", enrollRequest{PoolKey: "nokey", Owner: "alice", Amount: "100", TotalCycles: 10}},
		{"bad amount", enrollRequest{PoolKey: testPoolKey, Owner: "alice", Amount: "ten", TotalCycles: 10}},
		{"zero cycles", enrollRequest{PoolKey: testPoolKey, Owner: "alice", Amount: "100", TotalCycles: 0}},
		{"negative amount", enrollRequest{PoolKey: testPoolKey, Owner: "alice", Amount: "-5", TotalCycles: 10}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, ws.Handler(), "POST", "/api/positions", tc.req)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestListAndGetPool(t *testing.T) {
	ws, _ := newTestServer(t)
	enrollOne(t, ws.Handler())

	rec := doJSON(t, ws.Handler(), "GET", "/api/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pools []poolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pools))
	require.Len(t, pools, 1)
	require.Equal(t, testPoolKey, pools[0].Key)
	require.Equal(t, "10", pools[0].PendingAmount)

	// Pool keys contain a slash and are matched across path segments.
	rec = doJSON(t, ws.Handler(), "GET", "/api/pools/"+testPoolKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pool poolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pool))
	require.Equal(t, "uatom", pool.AssetIn)
	require.Equal(t, "uusdc", pool.AssetOut)
	require.Equal(t, uint32(0), pool.CyclesCompleted)
}

func TestGetPool_NotFound(t *testing.T) {
	ws, _ := newTestServer(t)
	rec := doJSON(t, ws.Handler(), "GET", "/api/pools/ufoo/ubar@1h0m0s", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectAndClose(t *testing.T) {
	ws, _ := newTestServer(t)
	pos := enrollOne(t, ws.Handler())

	// Nothing has executed, so collecting settles zero.
	rec := doJSON(t, ws.Handler(), "POST", fmt.Sprintf("/api/positions/%s/collect", pos.ID), settleRequest{Beneficiary: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var settled settleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settled))
	require.Equal(t, "COLLECTED", settled.Kind)
	require.Equal(t, "0", settled.AccruedOutput)

	rec = doJSON(t, ws.Handler(), "POST", fmt.Sprintf("/api/positions/%s/close", pos.ID), settleRequest{Beneficiary: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settled))
	require.Equal(t, "CLOSED", settled.Kind)
	require.Equal(t, "100", settled.UnconvertedInput)

	// Closing twice conflicts.
	rec = doJSON(t, ws.Handler(), "POST", fmt.Sprintf("/api/positions/%s/close", pos.ID), settleRequest{Beneficiary: "alice"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSettlement_BadRequests(t *testing.T) {
	ws, _ := newTestServer(t)
	pos := enrollOne(t, ws.Handler())

	rec := doJSON(t, ws.Handler(), "POST", fmt.Sprintf("/api/positions/%s/collect", pos.ID), settleRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing beneficiary")

	rec = doJSON(t, ws.Handler(), "POST", "/api/positions/not-a-uuid/collect", settleRequest{Beneficiary: "alice"})
	require.Equal(t, http.StatusBadRequest, rec.Code, "malformed id")

	rec = doJSON(t, ws.Handler(), "POST", "/api/positions/00000000-0000-0000-0000-000000000000/collect", settleRequest{Beneficiary: "alice"})
	require.Equal(t, http.StatusNotFound, rec.Code, "unknown id")
}

func TestPoolCycles_WithoutDatabase(t *testing.T) {
	ws, _ := newTestServer(t)
	enrollOne(t, ws.Handler())

	rec := doJSON(t, ws.Handler(), "GET", "/api/pools/"+testPoolKey+"/cycles", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	ws, _ := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/pools", nil)
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
