package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpdesk/internal/execution"
	"perpdesk/internal/planner"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code int64
		want execution.Kind
	}{
		{-1003, execution.KindTransient},
		{-1007, execution.KindTransient},
		{0, execution.KindTransient},
		{-2019, execution.KindPermanent},
		{-4164, execution.KindPermanent},
		{-2011, execution.KindUnknownOrder},
		{-2013, execution.KindUnknownOrder},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			err := classify("place", &common.APIError{Code: tc.code, Message: "x"})
			assert.Equal(t, tc.want, execution.Classify(err))
		})
	}
	assert.True(t, execution.IsCorrectable(classify("place", &common.APIError{Code: -4164})))
	assert.False(t, execution.IsCorrectable(classify("place", &common.APIError{Code: -2019})))
	assert.Equal(t, execution.KindTransient, execution.Classify(classify("place", errors.New("connection reset"))))
	assert.ErrorIs(t, classify("place", context.Canceled), context.Canceled)
	assert.NoError(t, classify("place", nil))
}

type fakeFutures struct {
	mu        sync.Mutex
	orders    []url.Values
	leverage  int
	cancelled bool
}

func (f *fakeFutures) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[
            {"filterType":"PRICE_FILTER","tickSize":"0.10"},
            {"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
            {"filterType":"MIN_NOTIONAL","notional":"5"}]}]}`)
	})
	mux.HandleFunc("/fapi/v1/marginType", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-4046,"msg":"No need to change margin type."}`)
	})
	mux.HandleFunc("/fapi/v1/leverage", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		fmt.Sscan(r.Form.Get("leverage"), &f.leverage)
		f.mu.Unlock()
		io.WriteString(w, `{"leverage":5,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`)
	})
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.Method {
		case http.MethodPost:
			f.mu.Lock()
			f.orders = append(f.orders, r.Form)
			f.mu.Unlock()
			io.WriteString(w, `{"orderId":42,"symbol":"BTCUSDT","status":"NEW"}`)
		case http.MethodGet:
			io.WriteString(w, `{"orderId":42,"symbol":"BTCUSDT","status":"PARTIALLY_FILLED","executedQty":"0.004","avgPrice":"100.5","updateTime":1700000000000}`)
		case http.MethodDelete:
			f.mu.Lock()
			done := f.cancelled
			f.cancelled = true
			f.mu.Unlock()
			if done {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"code":-2011,"msg":"Unknown order sent."}`)
				return
			}
			io.WriteString(w, `{"orderId":42,"symbol":"BTCUSDT","status":"CANCELED"}`)
		}
	})
	return mux
}

func TestExchangeAgainstFakeServer(t *testing.T) {
	fake := &fakeFutures{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	x := NewExchange(NewClient(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL, RateLimitPerMin: 6000}))
	ctx := context.Background()

	id, err := x.PlaceOrder(ctx, execution.OrderRequest{
		Symbol: "btcusdt", Side: planner.SideBuy, Type: planner.TypeLimit,
		Quantity: 0.0123456, Price: 100.123, Leverage: 5, ClientOrderID: "pdabc", RoundUp: true,
	})
	require.NoError(t, err)
	require.Equal(t, "42", id)
	require.Len(t, fake.orders, 1)
	form := fake.orders[0]
	assert.Equal(t, "0.013", form.Get("quantity"), "向上取整到 stepSize")
	assert.Equal(t, "100.1", form.Get("price"))
	assert.Equal(t, "GTC", form.Get("timeInForce"))
	assert.Equal(t, "pdabc", form.Get("newClientOrderId"))
	assert.Equal(t, 5, fake.leverage)

	st, err := x.QueryOrder(ctx, "BTCUSDT", id)
	require.NoError(t, err)
	assert.Equal(t, execution.StatePartiallyFilled, st.State)
	assert.InDelta(t, 0.004, st.ExecutedQty, 1e-12)
	assert.InDelta(t, 100.5, st.AvgPrice, 1e-12)

	require.NoError(t, x.CancelOrder(ctx, "BTCUSDT", id))
	assert.ErrorIs(t, x.CancelOrder(ctx, "BTCUSDT", id), execution.ErrUnknownOrder)
}

func TestPlaceRejectsQuantityRoundingToZero(t *testing.T) {
	fake := &fakeFutures{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	x := NewExchange(NewClient(Config{BaseURL: srv.URL, RateLimitPerMin: 6000}))

	_, err := x.PlaceOrder(context.Background(), execution.OrderRequest{
		Symbol: "BTCUSDT", Side: planner.SideSell, Type: planner.TypeMarket, Quantity: 0.0004, ReduceOnly: true,
	})
	require.Error(t, err)
	assert.Equal(t, execution.KindPermanent, execution.Classify(err))
	assert.False(t, execution.IsCorrectable(err), "减仓单不做数量抬升")
	assert.Empty(t, fake.orders)
}
