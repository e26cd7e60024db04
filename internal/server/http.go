// Package server exposes the risk core over HTTP: health and metrics,
// order and position operations, proofs and withdrawal authorizations,
// and a websocket feed of risk events.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/whha111/meme-perp-dex-sub000/internal/core"
	"github.com/whha111/meme-perp-dex-sub000/internal/funding"
	"github.com/whha111/meme-perp-dex-sub000/internal/ledger"
	"github.com/whha111/meme-perp-dex-sub000/internal/lock"
	"github.com/whha111/meme-perp-dex-sub000/internal/margin"
	"github.com/whha111/meme-perp-dex-sub000/internal/observability"
	"github.com/whha111/meme-perp-dex-sub000/internal/snapshot"
)

// Server wires the HTTP surface.
type Server struct {
	store      *ledger.Store
	core       *core.Core
	funding    *funding.Engine
	snapshots  *snapshot.Snapshotter
	authorizer *snapshot.Authorizer
	hub        *Hub
	health     *observability.HealthChecker
	log        zerolog.Logger
}

func New(store *ledger.Store, c *core.Core, fundingEngine *funding.Engine, snapshots *snapshot.Snapshotter, authorizer *snapshot.Authorizer, hub *Hub, health *observability.HealthChecker, log zerolog.Logger) *Server {
	return &Server{
		store:      store,
		core:       c,
		funding:    fundingEngine,
		snapshots:  snapshots,
		authorizer: authorizer,
		hub:        hub,
		health:     health,
		log:        log,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/orders", s.submitOrder)
		r.Delete("/orders/{orderID}", s.cancelOrder)

		r.Get("/balances/{user}", s.getBalance)
		r.Get("/positions/{user}", s.getPositions)
		r.Post("/positions/{user}/{instrument}/close", s.closePosition)
		r.Post("/positions/{user}/{instrument}/collateral", s.adjustCollateral)

		r.Get("/funding/{instrument}", s.getFunding)
		r.Get("/funding/{instrument}/history", s.getFundingHistory)

		r.Get("/proof/{user}", s.getProof)
		r.Post("/withdrawals", s.requestWithdrawal)
		r.Post("/withdrawals/{user}/complete", s.completeWithdrawal)

		r.Get("/snapshot/status", s.snapshotStatus)
		r.Post("/snapshot/trigger", s.triggerSnapshot)
	})

	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, margin.ErrInsufficientBalance),
		errors.Is(err, snapshot.ErrInsufficientEquity),
		errors.Is(err, core.ErrInvalidSize),
		errors.Is(err, core.ErrInvalidLeverage):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrPositionNotFound),
		errors.Is(err, ledger.ErrOrderNotFound),
		errors.Is(err, snapshot.ErrNoSnapshot):
		status = http.StatusNotFound
	case errors.Is(err, snapshot.ErrInvalidNonce),
		errors.Is(err, snapshot.ErrDeadlineExpired),
		errors.Is(err, snapshot.ErrInvalidProof),
		errors.Is(err, core.ErrOrderExpired):
		status = http.StatusConflict
	case errors.Is(err, lock.ErrSystemBusy):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseUser(r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "user")
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

type orderPayload struct {
	OrderID         string `json:"orderId"`
	Trader          string `json:"trader"`
	Instrument      string `json:"instrument"`
	Side            string `json:"side"`
	Size            int64  `json:"size"`
	Price           int64  `json:"price"`
	Leverage        int64  `json:"leverage"`
	Deadline        int64  `json:"deadline"` // unix seconds, 0 = none
	TakeProfitPrice int64  `json:"takeProfitPrice"`
	StopLossPrice   int64  `json:"stopLossPrice"`
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var p orderPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	orderID, err := uuid.Parse(p.OrderID)
	if err != nil {
		orderID = uuid.New()
	}
	if !common.IsHexAddress(p.Trader) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid trader address"})
		return
	}
	side := ledger.SideLong
	if p.Side == "short" {
		side = ledger.SideShort
	}
	var deadline time.Time
	if p.Deadline > 0 {
		deadline = time.Unix(p.Deadline, 0)
	}

	req := core.OrderRequest{
		OrderID:         orderID,
		Trader:          common.HexToAddress(p.Trader),
		Instrument:      p.Instrument,
		Side:            side,
		Size:            p.Size,
		Price:           p.Price,
		Leverage:        p.Leverage,
		Deadline:        deadline,
		TakeProfitPrice: p.TakeProfitPrice,
		StopLossPrice:   p.StopLossPrice,
	}
	if err := s.core.SubmitOrder(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"orderId": orderID.String()})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order id"})
		return
	}
	if err := s.core.CancelOrder(r.Context(), orderID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := parseUser(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return
	}
	b := s.store.Balance(user)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trader":          b.Trader.Hex(),
		"available":       b.Available,
		"usedMargin":      b.UsedMargin,
		"orderHold":       b.OrderHold,
		"walletBalance":   b.WalletBalance,
		"mode2Adjustment": b.Mode2Adjustment,
		"equity":          s.store.Equity(user),
	})
}

func (s *Server) getPositions(w http.ResponseWriter, r *http.Request) {
	user, ok := parseUser(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return
	}
	positions := s.store.TraderPositions(user)
	out := make([]map[string]interface{}, 0, len(positions))
	for _, p := range positions {
		out = append(out, map[string]interface{}{
			"instrument":       p.Instrument,
			"side":             p.Side.String(),
			"size":             p.Size,
			"entryPrice":       p.EntryPrice,
			"markPrice":        p.MarkPrice,
			"collateral":       p.Collateral,
			"leverage":         p.Leverage,
			"liquidationPrice": p.LiquidationPrice,
			"unrealizedPnl":    p.UnrealizedPnL,
			"realizedPnl":      p.RealizedPnL,
			"fundingPaid":      p.FundingPaid,
			"tier":             p.Tier.String(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	user, ok := parseUser(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return
	}
	instrument := chi.URLParam(r, "instrument")
	if err := s.core.ClosePosition(r.Context(), user, instrument); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type collateralPayload struct {
	Amount int64 `json:"amount"` // positive adds, negative removes
}

func (s *Server) adjustCollateral(w http.ResponseWriter, r *http.Request) {
	user, ok := parseUser(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return
	}
	instrument := chi.URLParam(r, "instrument")
	var p collateralPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	var err error
	if p.Amount >= 0 {
		err = s.core.AddCollateral(r.Context(), user, instrument, p.Amount)
	} else {
		err = s.core.RemoveCollateral(r.Context(), user, instrument, -p.Amount)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "adjusted"})
}

func (s *Server) getFunding(w http.ResponseWriter, r *http.Request) {
	instrument := chi.URLParam(r, "instrument")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instrument": instrument,
		"rate":       s.funding.CurrentRate(instrument),
	})
}

func (s *Server) getFundingHistory(w http.ResponseWriter, r *http.Request) {
	instrument := chi.URLParam(r, "instrument")
	history := s.funding.History()
	out := make([]funding.Settlement, 0, len(history))
	for _, h := range history {
		if h.Instrument == instrument {
			out = append(out, h)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getProof(w http.ResponseWriter, r *http.Request) {
	user, ok := parseUser(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return
	}
	proof, err := s.authorizer.GetUserProof(user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proof)
}

type withdrawalPayload struct {
	User     string `json:"user"`
	Amount   int64  `json:"amount"`
	Nonce    uint64 `json:"nonce"`
	Deadline int64  `json:"deadline"` // unix seconds
}

func (s *Server) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var p withdrawalPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if !common.IsHexAddress(p.User) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return
	}
	auth, err := s.authorizer.RequestWithdrawal(common.HexToAddress(p.User), p.Amount, p.Nonce, p.Deadline)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auth)
}

func (s *Server) completeWithdrawal(w http.ResponseWriter, r *http.Request) {
	user, ok := parseUser(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return
	}
	nonce, err := strconv.ParseUint(r.URL.Query().Get("nonce"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid nonce"})
		return
	}
	if err := s.authorizer.MarkWithdrawalCompleted(user, nonce); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) snapshotStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.snapshots.CurrentStatus()
	if !ok {
		s.writeError(w, snapshot.ErrNoSnapshot)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// triggerSnapshot is the manual, test-only path: it always skips the
// on-chain root submission.
func (s *Server) triggerSnapshot(w http.ResponseWriter, r *http.Request) {
	rec := s.snapshots.Take(false)
	if rec == nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "snapshot skipped"})
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"snapshotId": rec.ID,
		"root":       rec.Root.Hex(),
		"leafCount":  rec.LeafCount,
	})
}
