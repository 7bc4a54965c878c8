package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
	"github.com/uhyunpark/hyperpredict/pkg/app/core/pricing"
	"github.com/uhyunpark/hyperpredict/pkg/app/predict"
	"github.com/uhyunpark/hyperpredict/pkg/ledger"
	"github.com/uhyunpark/hyperpredict/pkg/util"
)

var (
	creator = common.HexToAddress("0xC000000000000000000000000000000000000000")
	alice   = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	start   = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

type testServer struct {
	srv    *Server
	ledger *ledger.MemLedger
	clock  *util.ManualClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	l := ledger.NewMemLedger()
	clock := util.NewManualClock(start)
	app := predict.New(predict.Config{
		Ledger: l,
		Model:  pricing.Linear{},
		Clock:  clock,
		Logger: zap.NewNop().Sugar(),
	})
	srv := NewServer(app, Config{Clock: clock, Logger: zap.NewNop().Sugar()})
	return &testServer{srv: srv, ledger: l, clock: clock}
}

func (ts *testServer) do(t *testing.T, method, path string, caller *common.Address, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set(CallerHeader, caller.Hex())
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (ts *testServer) createMarket(t *testing.T) MarketView {
	t.Helper()
	rec := ts.do(t, "POST", "/api/v1/markets", &creator, CreateMarketRequest{
		Question:  "BTC>100k",
		Liquidity: 10_000,
		EndTime:   start.Add(24 * time.Hour).Unix(),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create market: %d %s", rec.Code, rec.Body.String())
	}
	return decode[CreateMarketResponse](t, rec).Market
}

func TestMarketLifecycle(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t)
	if m.Status != "open" || m.YesPrice != "0.500000" || m.NoPrice != "0.500000" {
		t.Fatalf("unexpected market %+v", m)
	}

	rec := ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/bets", &alice, BetRequest{Side: "yes", Amount: 1_000})
	if rec.Code != http.StatusOK {
		t.Fatalf("bet: %d %s", rec.Code, rec.Body.String())
	}
	bet := decode[TradeReceiptView](t, rec)
	if bet.Market.YesProbability != 500_100 || bet.Market.YesPrice != "0.500100" || bet.Market.NoPrice != "0.499900" {
		t.Errorf("after bet: %+v", bet.Market)
	}
	if bet.Position.YesShares != 1_000 || bet.TxID == "" || bet.Trade.Action != "buy" {
		t.Errorf("unexpected receipt %+v", bet)
	}

	rec = ts.do(t, "GET", "/api/v1/markets/"+m.ID+"/positions/"+alice.Hex(), nil, nil)
	if pos := decode[PositionView](t, rec); rec.Code != http.StatusOK || pos.YesShares != 1_000 {
		t.Fatalf("position: %d %+v", rec.Code, pos)
	}

	rec = ts.do(t, "GET", "/api/v1/markets/"+m.ID+"/trades?limit=10", nil, nil)
	if trades := decode[[]TradeView](t, rec); len(trades) != 1 || trades[0].Amount != 1_000 {
		t.Fatalf("trades: %+v", trades)
	}

	// Resolution before expiry is refused
	rec = ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/resolve", &creator, ResolveRequest{Outcome: "yes"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("early resolve: %d", rec.Code)
	}

	ts.clock.Advance(25 * time.Hour)
	rec = ts.do(t, "GET", "/api/v1/markets/"+m.ID, nil, nil)
	if v := decode[MarketView](t, rec); v.Status != "expired" {
		t.Errorf("status after end time = %q", v.Status)
	}

	rec = ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/resolve", &creator, ResolveRequest{Outcome: "yes"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[ResolveResponse](t, rec)
	if res.Outcome != "yes" || res.WinningShares != 1_000 || res.Market.Status != "resolved" {
		t.Errorf("unexpected resolution %+v", res)
	}

	rec = ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/redeem", &alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem: %d %s", rec.Code, rec.Body.String())
	}
	if r := decode[RedeemResponse](t, rec); r.Payout != 1_000 {
		t.Errorf("payout = %d, want 1000", r.Payout)
	}

	rec = ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/redeem", &alice, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second redeem: %d", rec.Code)
	}
}

func TestQuoteDoesNotCommit(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t)
	commits := ts.ledger.Commits()

	rec := ts.do(t, "GET", "/api/v1/markets/"+m.ID+"/quote?side=no&amount=1000", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", rec.Code, rec.Body.String())
	}
	q := decode[QuoteResponse](t, rec)
	if q.Shares != 1_000 || q.NoProbability != 500_100 || q.NoPrice != "0.500100" {
		t.Errorf("unexpected quote %+v", q)
	}
	if ts.ledger.Commits() != commits {
		t.Errorf("quote committed to the ledger")
	}
}

func TestIdempotentBetOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t)
	body := BetRequest{Side: "yes", Amount: 500, RequestID: "req-1"}

	first := decode[TradeReceiptView](t, ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/bets", &alice, body))
	rec := ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/bets", &alice, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", rec.Code, rec.Body.String())
	}
	second := decode[TradeReceiptView](t, rec)
	if !second.Replayed || second.TxID != "" || second.Trade.ID != first.Trade.ID {
		t.Errorf("retry was not replayed: %+v", second)
	}

	body.Amount = 600
	if rec := ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/bets", &alice, body); rec.Code != http.StatusConflict {
		t.Errorf("conflicting reuse: %d", rec.Code)
	}
}

func TestRequestErrors(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t)
	missing := common.HexToAddress("0x1234").Hex()

	tests := []struct {
		name   string
		method string
		path   string
		caller *common.Address
		body   interface{}
		want   int
	}{
		{"no caller", "POST", "/api/v1/markets/" + m.ID + "/bets", nil, BetRequest{Side: "yes", Amount: 1}, http.StatusBadRequest},
		{"bad market id", "GET", "/api/v1/markets/nope", nil, nil, http.StatusBadRequest},
		{"unknown market", "GET", "/api/v1/markets/" + missing, nil, nil, http.StatusNotFound},
		{"unknown market trades", "GET", "/api/v1/markets/" + missing + "/trades", nil, nil, http.StatusNotFound},
		{"bad side", "POST", "/api/v1/markets/" + m.ID + "/bets", &alice, BetRequest{Side: "maybe", Amount: 1}, http.StatusBadRequest},
		{"zero amount", "POST", "/api/v1/markets/" + m.ID + "/bets", &alice, BetRequest{Side: "yes"}, http.StatusBadRequest},
		{"oversell", "POST", "/api/v1/markets/" + m.ID + "/sells", &alice, SellRequest{Side: "yes", Shares: 5}, http.StatusConflict},
		{"bad limit", "GET", "/api/v1/markets/" + m.ID + "/trades?limit=-1", nil, nil, http.StatusBadRequest},
		{"stranger resolves", "POST", "/api/v1/markets/" + m.ID + "/resolve", &alice, ResolveRequest{Outcome: "no"}, http.StatusForbidden},
		{"bad outcome", "POST", "/api/v1/markets/" + m.ID + "/resolve", &creator, ResolveRequest{Outcome: "none"}, http.StatusBadRequest},
		{"redeem unresolved", "POST", "/api/v1/markets/" + m.ID + "/redeem", &alice, nil, http.StatusConflict},
		{"past end time", "POST", "/api/v1/markets", &creator, CreateMarketRequest{Question: "q", Liquidity: 1, EndTime: start.Unix()}, http.StatusBadRequest},
		{"empty question", "POST", "/api/v1/markets", &creator, CreateMarketRequest{Question: " ", Liquidity: 1, EndTime: start.Add(time.Hour).Unix()}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.caller, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if e := decode[ErrorResponse](t, rec); e.Error == "" {
				t.Errorf("empty error body")
			}
		})
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t)

	req := httptest.NewRequest("POST", "/api/v1/markets/"+m.ID+"/bets", strings.NewReader(`{"side":"yes","amount":1,"price":2}`))
	req.Header.Set(CallerHeader, alice.Hex())
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCommitFailureIsRetryable(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t)

	ts.ledger.FailNextCommit(errors.New("disk full"))
	rec := ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/bets", &alice, BetRequest{Side: "yes", Amount: 10})
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("status = %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}

	rec = ts.do(t, "GET", "/api/v1/markets/"+m.ID, nil, nil)
	if v := decode[MarketView](t, rec); v.YesProbability != 500_000 || v.TradeCount != 0 {
		t.Errorf("failed commit changed the market: %+v", v)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{market.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", market.ErrMarketNotFound), http.StatusNotFound},
		{market.ErrUnauthorized, http.StatusForbidden},
		{market.ErrMarketExpired, http.StatusConflict},
		{predict.ErrRequestConflict, http.StatusConflict},
		{market.CommitFailed(errors.New("io")), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWebSocketTradeFeed(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMarket(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.srv.Hub().Run(ctx)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	channel := MarketChannel(m.ID)
	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{channel}}); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, ts.srv.Hub(), channel)

	if rec := ts.do(t, "POST", "/api/v1/markets/"+m.ID+"/bets", &alice, BetRequest{Side: "no", Amount: 200}); rec.Code != http.StatusOK {
		t.Fatalf("bet: %d", rec.Code)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type    string    `json:"type"`
		Channel string    `json:"channel"`
		Data    TradeView `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "trade" || msg.Channel != channel || msg.Data.Side != "no" || msg.Data.Amount != 200 {
		t.Errorf("unexpected message %+v", msg)
	}
}

func waitSubscribed(t *testing.T, h *Hub, channel string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		for c := range h.clients {
			if c.IsSubscribed(channel) {
				h.mu.RUnlock()
				return
			}
		}
		h.mu.RUnlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no client subscribed to %s", channel)
}

func TestHubStopsAcceptingAfterShutdown(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	c := &Client{hub: h, send: make(chan []byte, 1), subscriptions: make(map[string]bool)}
	if !h.add(c) {
		t.Fatal("running hub refused a client")
	}
	cancel()
	<-stopped

	if _, ok := <-c.send; ok {
		t.Error("send channel left open after shutdown")
	}

	done := make(chan bool)
	go func() {
		h.remove(c)
		done <- h.add(&Client{hub: h, send: make(chan []byte, 1)})
	}()
	select {
	case accepted := <-done:
		if accepted {
			t.Error("stopped hub accepted a client")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("register/unregister blocked on a stopped hub")
	}
}
