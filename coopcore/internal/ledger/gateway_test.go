package ledger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
)

func TestGatewayInvokeAndQuery(t *testing.T) {
	mem := ledger.NewMemoryBackend()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req struct {
			Function string   `json:"function"`
			Args     []string `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/channels/autochannel/chaincodes/autocc/invoke":
			tx, err := mem.Invoke(r.Context(), "autochannel", "autocc", req.Function, req.Args)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(tx)
		case "/channels/autochannel/chaincodes/autocc/query":
			b, err := mem.Query(r.Context(), "autochannel", "autocc", req.Function, req.Args)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Write(b)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gw, err := ledger.NewGatewayBackend(ledger.GatewayConfig{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)
	c := ledger.NewClient(gw, testConfig())
	ctx := context.Background()

	rec, err := c.Record(ctx, positionEvent(3))
	require.NoError(t, err)
	assert.Equal(t, ledger.ReceiptCommitted, rec.Status)

	it, err := c.Query(ctx, ledger.Filter{EventTypes: []string{ledger.EventPositionUpdate}})
	require.NoError(t, err)
	events, err := it.All()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, rec.ContentHash, events[0].ContentHash)
}

func TestGatewayServerErrorsAreRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			http.Error(w, "peer unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"tx_id":"tx-9","block_number":4}`))
	}))
	defer srv.Close()

	gw, err := ledger.NewGatewayBackend(ledger.GatewayConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	c := ledger.NewClient(gw, testConfig())

	rec, err := c.Record(context.Background(), positionEvent(1))
	require.NoError(t, err)
	assert.Equal(t, "tx-9", rec.TxID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGatewayClientErrorsAreRejections(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "chaincode validation failed", http.StatusBadRequest)
	}))
	defer srv.Close()

	gw, err := ledger.NewGatewayBackend(ledger.GatewayConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = gw.Invoke(context.Background(), "ch", "cc", ledger.FnCreateEvent, nil)
	assert.ErrorIs(t, err, ledger.ErrLedgerRejected)
	assert.Contains(t, err.Error(), "chaincode validation failed")

	c := ledger.NewClient(gw, testConfig())
	_, err = c.Record(context.Background(), positionEvent(1))
	assert.ErrorIs(t, err, ledger.ErrLedgerRejected)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGatewayRequiresBaseURL(t *testing.T) {
	_, err := ledger.NewGatewayBackend(ledger.GatewayConfig{})
	assert.Error(t, err)
}
