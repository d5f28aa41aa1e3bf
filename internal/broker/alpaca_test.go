package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/client/alpaca"
	"tradecore/internal/orders"
)

func newAlpacaGateway(t *testing.T, h http.HandlerFunc) *AlpacaGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAlpacaGateway(alpaca.NewClient(srv.Client(), srv.URL, "k", "s"))
}

func TestAlpacaGateway_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"not found", http.StatusNotFound, func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNotFound) }},
		{"rate limited", http.StatusTooManyRequests, func(t *testing.T, err error) { assert.True(t, IsTransient(err)) }},
		{"server error", http.StatusBadGateway, func(t *testing.T, err error) { assert.True(t, IsTransient(err)) }},
		{"validation", http.StatusUnprocessableEntity, func(t *testing.T, err error) { assert.True(t, IsRejection(err)) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := newAlpacaGateway(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":1,"message":"nope"}`))
			})
			_, err := gw.GetOrderByClientID(context.Background(), "c")
			tc.check(t, err)
		})
	}
}

func TestAlpacaGateway_FlatPosition(t *testing.T) {
	gw := newAlpacaGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":40410000,"message":"position does not exist"}`))
	})
	pos, err := gw.GetOpenPosition(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, pos.Qty.IsZero())
}

func TestAlpacaGateway_DuplicateSubmitFetchesExisting(t *testing.T) {
	gw := newAlpacaGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":40010001,"message":"client_order_id must be unique"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"b-7","client_order_id":"c-7","symbol":"aapl","qty":"10","filled_qty":"0","status":"pending_new","side":"buy","type":"market"}`))
	})
	o, err := gw.Submit(context.Background(), marketBuy("c-7"))
	require.NoError(t, err)
	assert.Equal(t, "b-7", o.ID)
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, orders.StatusAccepted, o.Status)
	assert.Equal(t, "pending_new", o.RawStatus)
}

func TestAlpacaGateway_ShortPositionIsNegative(t *testing.T) {
	gw := newAlpacaGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"TSLA","qty":"25","side":"short","avg_entry_price":"200"}]`))
	})
	items, err := gw.ListAllPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "-25", items[0].Qty.String())
}
