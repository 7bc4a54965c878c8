package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/market"
	"github.com/uhyunpark/hyperpredict/pkg/app/predict"
	"github.com/uhyunpark/hyperpredict/pkg/util"
)

// CallerHeader carries the caller identity. Authentication happens in front
// of this server; the engine trusts the header.
const CallerHeader = "X-Caller-Address"

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
	maxBodyBytes      = 1 << 16
)

type Config struct {
	AllowedOrigins []string
	Clock          util.Clock
	Logger         *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	app     *predict.App
	router  *mux.Router
	hub     *Hub
	clock   util.Clock
	origins []string
	logger  *zap.SugaredLogger
}

// NewServer creates the API server and subscribes its WebSocket hub to the
// app's trade and resolution hooks.
func NewServer(app *predict.App, cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}

	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     NewHub(cfg.Logger),
		clock:   cfg.Clock,
		origins: cfg.AllowedOrigins,
		logger:  cfg.Logger,
	}

	app.OnTrade(s.broadcastTrade)
	app.OnResolve(s.broadcastResolution)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleListMarkets).Methods("GET")
	api.HandleFunc("/markets", s.handleCreateMarket).Methods("POST")
	api.HandleFunc("/markets/{id}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{id}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{id}/quote", s.handleQuote).Methods("GET")
	api.HandleFunc("/markets/{id}/positions", s.handleListPositions).Methods("GET")
	api.HandleFunc("/markets/{id}/positions/{owner}", s.handleGetPosition).Methods("GET")

	// Trading and settlement
	api.HandleFunc("/markets/{id}/bets", s.handlePlaceBet).Methods("POST")
	api.HandleFunc("/markets/{id}/sells", s.handleSell).Methods("POST")
	api.HandleFunc("/markets/{id}/resolve", s.handleResolve).Methods("POST")
	api.HandleFunc("/markets/{id}/redeem", s.handleRedeem).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Hub returns the WebSocket hub. It must be running (Run) before clients
// connect.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router wrapped in CORS handling
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", CallerHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_server_listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Infow("api_server_shutting_down")
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return <-errCh
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.app.ListMarkets(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}

	response := make([]MarketView, len(markets))
	for i, m := range markets {
		response[i] = s.marketView(m)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "id")
	if !ok {
		return
	}
	m, err := s.app.GetMarket(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.marketView(m))
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if !decodeBody(w, r, &req) {
		return
	}

	receipt, err := s.app.CreateMarket(r.Context(), caller, predict.CreateRequest{
		Question:  req.Question,
		Liquidity: req.Liquidity,
		EndTime:   req.EndTime,
		Nonce:     req.Nonce,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}

	view := s.marketView(receipt.Market)
	s.hub.BroadcastToChannel(ChannelMarkets, "market", view)
	respondJSON(w, http.StatusCreated, CreateMarketResponse{TxID: receipt.TxID.Hex(), Market: view})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "id")
	if !ok {
		return
	}
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxTradeLimit)
	}

	trades, err := s.app.RecentTrades(r.Context(), id, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]TradeView, len(trades))
	for i, t := range trades {
		response[i] = toTradeView(t)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "id")
	if !ok {
		return
	}
	side, err := market.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}

	q, err := s.app.Quote(r.Context(), id, side, amount)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, QuoteResponse{
		Side:           q.Side.String(),
		Amount:         q.Amount,
		Shares:         q.Shares,
		YesProbability: q.YesProbability,
		NoProbability:  q.NoProbability,
		YesPrice:       priceString(q.YesProbability),
		NoPrice:        priceString(q.NoProbability),
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "id")
	if !ok {
		return
	}
	positions, err := s.app.ListPositions(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]PositionView, len(positions))
	for i, p := range positions {
		response[i] = toPositionView(p)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "id")
	if !ok {
		return
	}
	owner, ok := pathAddress(w, r, "owner")
	if !ok {
		return
	}
	pos, err := s.app.GetPosition(r.Context(), owner, id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toPositionView(pos))
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "id")
	if !ok {
		return
	}
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req BetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	side, err := market.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	receipt, err := s.app.PlaceBet(r.Context(), caller, predict.BetRequest{
		Market:    id,
		Side:      side,
		Amount:    req.Amount,
		RequestID: req.RequestID,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toTradeReceiptView(receipt, s.status(receipt.Market)))
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "id")
	if !ok {
		return
	}
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req SellRequest
	if !decodeBody(w, r, &req) {
		return
	}
	side, err := market.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	receipt, err := s.app.Sell(r.Context(), caller, predict.SellRequest{
		Market:    id,
		Side:      side,
		Shares:    req.Shares,
		RequestID: req.RequestID,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toTradeReceiptView(receipt, s.status(receipt.Market)))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "id")
	if !ok {
		return
	}
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := market.ParseOutcome(req.Outcome)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	receipt, err := s.app.ResolveMarket(r.Context(), caller, id, outcome)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	res := receipt.Result
	respondJSON(w, http.StatusOK, ResolveResponse{
		TxID:          receipt.TxID.Hex(),
		Outcome:       res.Outcome.String(),
		WinningShares: res.WinningShares,
		LosingShares:  res.LosingShares,
		Market:        s.marketView(res.Market),
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(w, r, "id")
	if !ok {
		return
	}
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}

	receipt, err := s.app.Redeem(r.Context(), caller, id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RedeemResponse{
		TxID:   receipt.TxID.Hex(),
		Market: receipt.Market.Hex(),
		Owner:  receipt.Owner.Hex(),
		Payout: receipt.Payout,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (app hooks)
// ==============================

func (s *Server) broadcastTrade(r *predict.Receipt) {
	view := s.marketView(r.Market)
	s.hub.BroadcastToChannel(MarketChannel(view.ID), "trade", toTradeView(r.Trade))
	s.hub.BroadcastToChannel(MarketChannel(view.ID), "market", view)
	s.hub.BroadcastToChannel(ChannelMarkets, "market", view)
}

func (s *Server) broadcastResolution(r *predict.ResolutionReceipt) {
	view := s.marketView(r.Result.Market)
	s.hub.BroadcastToChannel(MarketChannel(view.ID), "resolution", view)
	s.hub.BroadcastToChannel(ChannelMarkets, "market", view)
}

// NotifyExpired tells subscribers that m closed and awaits resolution.
func (s *Server) NotifyExpired(m *market.Market) {
	view := s.marketView(m)
	s.hub.BroadcastToChannel(MarketChannel(view.ID), "market_expired", view)
	s.hub.BroadcastToChannel(ChannelMarkets, "market_expired", view)
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) status(m *market.Market) string {
	switch {
	case m.Resolved:
		return "resolved"
	case m.Expired(s.clock.Now()):
		return "expired"
	default:
		return "open"
	}
}

func (s *Server) marketView(m *market.Market) MarketView {
	return toMarketView(m, s.status(m))
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidLiquidity),
		errors.Is(err, market.ErrInvalidExpiry),
		errors.Is(err, market.ErrInvalidQuestion),
		errors.Is(err, market.ErrInvalidNonce),
		errors.Is(err, market.ErrInvalidSide),
		errors.Is(err, market.ErrInvalidOutcome):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrMarketExists),
		errors.Is(err, market.ErrMarketExpired),
		errors.Is(err, market.ErrMarketResolved),
		errors.Is(err, market.ErrAlreadyResolved),
		errors.Is(err, market.ErrResolutionTooEarly),
		errors.Is(err, market.ErrMarketNotResolved),
		errors.Is(err, market.ErrAlreadyRedeemed),
		errors.Is(err, market.ErrInsufficientShares),
		errors.Is(err, predict.ErrRequestConflict):
		return http.StatusConflict
	case errors.Is(err, market.ErrLedgerCommitFailed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warnw("request_failed", "status", status, "error", err)
	}
	if market.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func callerAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	v := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid caller", CallerHeader+" must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := mux.Vars(r)[name]
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid address", name+": "+v)
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
