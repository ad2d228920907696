package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dripnet/dripd/internal/ledger"
	"github.com/dripnet/dripd/internal/logger"
	"github.com/dripnet/dripd/internal/state"
	"github.com/dripnet/dripd/internal/types"
	"github.com/dripnet/dripd/internal/utils"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer handles HTTP requests: pool and position observability plus the
// enrollment/settlement API. Caller eligibility (who may enroll, collect, or
// close) is the ownership collaborator's concern; deployments front this
// server with it.
type WebServer struct {
	router *mux.Router
	ledger *ledger.Ledger
	port   string
}

// NewWebServer creates a new web server instance
func NewWebServer(port string, l *ledger.Ledger) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router: mux.NewRouter(),
		ledger: l,
		port:   port,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/pools", ws.handleListPools).Methods("GET")
	api.HandleFunc("/positions", ws.handleEnroll).Methods("POST")
	api.HandleFunc("/positions/{id}", ws.handleGetPosition).Methods("GET")
	api.HandleFunc("/positions/{id}/collect", ws.handleCollect).Methods("POST")
	api.HandleFunc("/positions/{id}/close", ws.handleClose).Methods("POST")
	// Pool keys contain slashes ("uatom/uusdc@24h0m0s"), so these patterns
	// must match across path segments.
	api.HandleFunc("/pools/{key:.+}/cycles", ws.handleGetPoolCycles).Methods("GET")
	api.HandleFunc("/pools/{key:.+}", ws.handleGetPool).Methods("GET")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// Handler exposes the configured router (used by tests).
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"pools":     len(ws.ledger.ListPools()),
	}

	if state.Enabled() {
		if err := state.TestDBConnection(); err != nil {
			health["status"] = "degraded"
			health["database"] = err.Error()
		} else {
			health["database"] = "connected"
		}
	} else {
		health["database"] = "disabled"
	}

	ws.writeJSON(w, http.StatusOK, health)
}

type poolResponse struct {
	Key               string    `json:"key"`
	AssetIn           string    `json:"asset_in"`
	AssetOut          string    `json:"asset_out"`
	Interval          string    `json:"interval"`
	CyclesCompleted   uint32    `json:"cycles_completed"`
	PendingAmount     string    `json:"pending_amount"`
	LastExecutionTime time.Time `json:"last_execution_time"`
	CumulativeRate    string    `json:"cumulative_rate"`
	// CumulativeRateDecimal is the display form of the fixed-point rate.
	CumulativeRateDecimal float64 `json:"cumulative_rate_decimal"`
}

func toPoolResponse(p types.Pool) poolResponse {
	cum := p.CumulativeRates.At(p.CyclesCompleted)
	rateDecimal, err := utils.RateToFloat64(cum)
	if err != nil {
		webLogger.Warn().Err(err).Str("pool", p.Key.String()).Msg("Failed to convert cumulative rate for display")
	}
	return poolResponse{
		Key:                   p.Key.String(),
		AssetIn:               p.Key.AssetIn,
		AssetOut:              p.Key.AssetOut,
		Interval:              p.Key.Interval.String(),
		CyclesCompleted:       p.CyclesCompleted,
		PendingAmount:         p.PendingAmount.String(),
		LastExecutionTime:     p.LastExecutionTime,
		CumulativeRate:        cum.String(),
		CumulativeRateDecimal: rateDecimal,
	}
}

// handleListPools returns all known pools
func (ws *WebServer) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools := ws.ledger.ListPools()
	out := make([]poolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, toPoolResponse(p))
	}
	ws.writeJSON(w, http.StatusOK, out)
}

// handleGetPool returns one pool by canonical key
func (ws *WebServer) handleGetPool(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	pool, err := ws.ledger.PoolSnapshot(key)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSON(w, http.StatusOK, toPoolResponse(pool))
}

// handleGetPoolCycles returns the recent executed cycles for a pool from the
// database journal.
func (ws *WebServer) handleGetPoolCycles(w http.ResponseWriter, r *http.Request) {
	if !state.Enabled() {
		ws.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cycle journal requires a database"})
		return
	}

	key := mux.Vars(r)["key"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := state.GetRecentCycles(key, limit)
	if err != nil {
		webLogger.Error().Err(err).Str("pool", key).Msg("Failed to load cycle journal")
		ws.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load cycle journal"})
		return
	}
	ws.writeJSON(w, http.StatusOK, events)
}

type enrollRequest struct {
	PoolKey     string `json:"pool_key"`
	Owner       string `json:"owner"`
	Amount      string `json:"amount"`
	TotalCycles uint32 `json:"total_cycles"`
}

type positionResponse struct {
	ID               string `json:"id"`
	Owner            string `json:"owner"`
	PoolKey          string `json:"pool_key"`
	TotalCycles      uint32 `json:"total_cycles"`
	FinalCycle       uint32 `json:"final_cycle"`
	LastSettledCycle uint32 `json:"last_settled_cycle"`
	AmountPerCycle   string `json:"amount_per_cycle"`
	EnrolledAmount   string `json:"enrolled_amount"`
	Closed           bool   `json:"closed"`
	AccruedOutput    string `json:"accrued_output"`
	UnconvertedInput string `json:"unconverted_input"`
}

// handleEnroll creates a new position.
func (ws *WebServer) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	key, err := types.ParsePoolKey(req.PoolKey)
	if err != nil {
		ws.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount, ok := sdkmath.NewIntFromString(req.Amount)
	if !ok {
		ws.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a base-10 integer"})
		return
	}

	pos, err := ws.ledger.Enroll(key, req.Owner, amount, req.TotalCycles, time.Now())
	if err != nil {
		ws.writeError(w, err)
		return
	}

	ws.writeJSON(w, http.StatusCreated, positionResponse{
		ID:               pos.ID.String(),
		Owner:            pos.Owner,
		PoolKey:          pos.PoolKey.String(),
		TotalCycles:      pos.TotalCycles,
		FinalCycle:       pos.FinalCycle,
		LastSettledCycle: pos.LastSettledCycle,
		AmountPerCycle:   pos.AmountPerCycle.String(),
		EnrolledAmount:   pos.EnrolledAmount.String(),
		AccruedOutput:    "0",
		UnconvertedInput: pos.AmountPerCycle.MulRaw(int64(pos.TotalCycles)).String(),
	})
}

// handleGetPosition returns a position with its live accrual numbers.
func (ws *WebServer) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		ws.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid position id"})
		return
	}

	pos, accrued, unconverted, err := ws.ledger.PositionSnapshot(id)
	if err != nil {
		ws.writeError(w, err)
		return
	}

	ws.writeJSON(w, http.StatusOK, positionResponse{
		ID:               pos.ID.String(),
		Owner:            pos.Owner,
		PoolKey:          pos.PoolKey.String(),
		TotalCycles:      pos.TotalCycles,
		FinalCycle:       pos.FinalCycle,
		LastSettledCycle: pos.LastSettledCycle,
		AmountPerCycle:   pos.AmountPerCycle.String(),
		EnrolledAmount:   pos.EnrolledAmount.String(),
		Closed:           pos.Closed,
		AccruedOutput:    accrued.String(),
		UnconvertedInput: unconverted.String(),
	})
}

type settleRequest struct {
	Beneficiary string `json:"beneficiary"`
}

type settleResponse struct {
	PositionID       string `json:"position_id"`
	Kind             string `json:"kind"`
	Beneficiary      string `json:"beneficiary"`
	AccruedOutput    string `json:"accrued_output"`
	UnconvertedInput string `json:"unconverted_input"`
	SettledCycle     uint32 `json:"settled_cycle"`
}

// handleCollect pays out accrued output without destroying the position.
func (ws *WebServer) handleCollect(w http.ResponseWriter, r *http.Request) {
	ws.handleSettlement(w, r, ws.ledger.Collect)
}

// handleClose settles and permanently retires the position.
func (ws *WebServer) handleClose(w http.ResponseWriter, r *http.Request) {
	ws.handleSettlement(w, r, ws.ledger.Close)
}

func (ws *WebServer) handleSettlement(w http.ResponseWriter, r *http.Request,
	settle func(uuid.UUID, string, time.Time) (types.PositionSettledEvent, error)) {

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		ws.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid position id"})
		return
	}

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Beneficiary == "" {
		ws.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "beneficiary is required"})
		return
	}

	event, err := settle(id, req.Beneficiary, time.Now())
	if err != nil {
		ws.writeError(w, err)
		return
	}

	ws.writeJSON(w, http.StatusOK, settleResponse{
		PositionID:       event.PositionID.String(),
		Kind:             string(event.Kind),
		Beneficiary:      event.Beneficiary,
		AccruedOutput:    event.AccruedOutput.String(),
		UnconvertedInput: event.UnconvertedInput.String(),
		SettledCycle:     event.SettledCycle,
	})
}

// writeError maps ledger errors to HTTP status codes.
func (ws *WebServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrPoolNotFound), errors.Is(err, ledger.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidCycleCount):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrPositionClosed), errors.Is(err, ledger.ErrCycleInProgress):
		status = http.StatusConflict
	}
	ws.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode response")
	}
}

// corsMiddleware adds CORS headers to all responses
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs all HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		webLogger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
