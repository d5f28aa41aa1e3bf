package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceOrder_SendsKeysAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		raw, _ := io.ReadAll(r.Body)
		var req OrderRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, "cid-1", req.ClientOrderID)
		_, _ = w.Write([]byte(`{"id":"b-1","client_order_id":"cid-1","symbol":"AAPL","qty":"10","filled_qty":"0","filled_avg_price":null,"status":"accepted","updated_at":"2026-01-05T15:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "key", "secret")
	order, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "AAPL", Qty: "10", Side: "buy", Type: "market", TimeInForce: "day", ClientOrderID: "cid-1"})
	require.NoError(t, err)
	assert.Equal(t, "b-1", order.ID)
	assert.Equal(t, "accepted", order.Status)
	assert.True(t, order.FilledAvgPrice.IsZero())
	require.NotNil(t, order.UpdatedAt)
}

func TestGetOrderByClientID_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders:by_client_order_id", r.URL.Path)
		assert.Equal(t, "cid-9", r.URL.Query().Get("client_order_id"))
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":40410000,"message":"order not found"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "", "")
	_, err := c.GetOrderByClientID(context.Background(), "cid-9")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, int64(40410000), apiErr.Code)
	assert.Equal(t, "order not found", apiErr.Message)
}

func TestListOrders_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "all", q.Get("status"))
		assert.Equal(t, "asc", q.Get("direction"))
		assert.Equal(t, "50", q.Get("limit"))
		_, _ = w.Write([]byte(`[{"id":"b-1","client_order_id":"x","qty":"5","filled_qty":"5","filled_avg_price":"10.5","status":"filled"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "", "")
	out, err := c.ListOrders(context.Background(), ListOrdersParams{Status: "all", Direction: "asc", Limit: 50})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "10.5", out[0].FilledAvgPrice.String())
}

func TestParseTradeUpdate(t *testing.T) {
	raw := []byte(`{"stream":"trade_updates","data":{"event":"fill","timestamp":"2026-01-05T15:00:01Z","position_qty":"-20","order":{"id":"b-1","client_order_id":"c","qty":"20","filled_qty":"20","status":"filled"}}}`)
	update, ok, err := ParseTradeUpdate(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fill", update.Event)
	require.NotNil(t, update.PositionQty)
	assert.Equal(t, "-20", update.PositionQty.String())

	_, ok, err = ParseTradeUpdate([]byte(`{"stream":"listening","data":{"streams":["trade_updates"]}}`))
	require.NoError(t, err)
	assert.False(t, ok)
}
