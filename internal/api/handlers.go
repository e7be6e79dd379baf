package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/ratemarket/internal/auth"
	"github.com/xtrntr/ratemarket/internal/db"
	"github.com/xtrntr/ratemarket/internal/exchange"
	"github.com/xtrntr/ratemarket/internal/genesis"
	"github.com/xtrntr/ratemarket/internal/models"
)

const historyLimit = 100

// History serves the postgres projection of the event journal. *db.DB
// satisfies it.
type History interface {
	OwnerOrders(ctx context.Context, owner string, limit int) ([]db.OrderRow, error)
	OwnerTrades(ctx context.Context, owner string, limit int) ([]db.TradeRow, error)
	CompoundFactors(ctx context.Context, currency string) ([]db.FactorRow, error)
	GenesisValue(ctx context.Context, currency, owner string) (decimal.Decimal, error)
	LastSeq(ctx context.Context) (uint64, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange *exchange.Controller
	Auth     *auth.Service
	// History is optional; without it the history endpoints answer 503.
	History History
	admins  map[string]bool
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Controller, authService *auth.Service, history History, admins []string) *Handler {
	h := &Handler{Exchange: ex, Auth: authService, History: history, admins: make(map[string]bool)}
	for _, a := range admins {
		h.admins[a] = true
	}
	return h
}

type ctxKey int

const ownerKey ctxKey = iota

// OwnerFrom returns the authenticated owner stored by JWTAuthMiddleware.
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey).(string)
	return owner, ok && owner != ""
}

// Register handles owner registration and returns the owner's API key
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	key, err := h.Auth.Register(r.Context(), req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"owner": req.Owner, "api_key": key})
}

// Login exchanges an API key for a token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string `json:"owner"`
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	token, err := h.Auth.Login(r.Context(), req.Owner, req.APIKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies bearer tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenString == "" {
			writeMessage(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		owner, err := h.Auth.OwnerFromToken(tokenString)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin lets only configured admins through. It runs after
// JWTAuthMiddleware.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, ok := OwnerFrom(r.Context())
		if !ok || !h.admins[owner] {
			writeError(w, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func maturityParam(r *http.Request) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, chi.URLParam(r, "maturity"))
	if err != nil {
		return time.Time{}, errors.New("maturity must be YYYY-MM-DD")
	}
	return t, nil
}

func (h *Handler) ListCurrencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Exchange.Currencies())
}

// InitializeCurrency starts a currency and opens its first markets
func (h *Handler) InitializeCurrency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code                  string          `json:"code"`
		BasisDate             string          `json:"basis_date"`
		TenorMonths           int             `json:"tenor_months"`
		Markets               int             `json:"markets"`
		InitialCompoundFactor decimal.Decimal `json:"initial_compound_factor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	basis, err := time.Parse(time.DateOnly, req.BasisDate)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "basis_date must be YYYY-MM-DD")
		return
	}
	err = h.Exchange.InitializeCurrency(r.Context(), exchange.CurrencyParams{
		Code:                  req.Code,
		BasisDate:             basis,
		TenorMonths:           req.TenorMonths,
		Markets:               req.Markets,
		InitialCompoundFactor: req.InitialCompoundFactor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	markets, err := h.Exchange.MarketInfo(req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, markets)
}

func (h *Handler) GetMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.Exchange.MarketInfo(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	info, err := h.Exchange.CreateMarket(r.Context(), chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// RotateMarkets retires the oldest matured market and opens the next one
func (h *Handler) RotateMarkets(w http.ResponseWriter, r *http.Request) {
	rotation, err := h.Exchange.RotateLendingMarkets(r.Context(), chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rotation)
}

func (h *Handler) GetCurve(w http.ResponseWriter, r *http.Request) {
	cv, err := h.Exchange.YieldCurve(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err)
		return
	}
	if cv == nil {
		writeMessage(w, http.StatusNotFound, "no yield curve")
		return
	}
	writeJSON(w, http.StatusOK, cv)
}

func (h *Handler) UpdateCurve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rates []int64 `json:"rates"`
		Terms []int64 `json:"terms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	cv, err := h.Exchange.UpdateYieldCurve(r.Context(), chi.URLParam(r, "currency"), req.Rates, req.Terms)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cv)
}

func (h *Handler) GetCompoundFactors(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.Exchange.GetCompoundFactors(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) GetRotations(w http.ResponseWriter, r *http.Request) {
	rotations, err := h.Exchange.Rotations(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rotations)
}

func (h *Handler) GetGenesisBalances(w http.ResponseWriter, r *http.Request) {
	balances, lending, borrowing, err := h.Exchange.GenesisBalances(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err)
		return
	}
	if balances == nil {
		balances = []genesis.Balance{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balances":  balances,
		"lending":   lending,
		"borrowing": borrowing,
	})
}

// GetOrderBook returns the aggregated levels of one market
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	maturity, err := maturityParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	book, err := h.Exchange.Book(chi.URLParam(r, "currency"), maturity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	maturity, err := maturityParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := h.Exchange.Positions(chi.URLParam(r, "currency"), maturity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// PlaceOrder crosses the book and rests the remainder; with take_only it only
// matches
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	maturity, err := maturityParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Side     models.Side `json:"side"`
		Rate     int64       `json:"rate"`
		Amount   int64       `json:"amount"`
		TakeOnly bool        `json:"take_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Side.Valid() {
		writeMessage(w, http.StatusBadRequest, "side must be 'lend' or 'borrow'")
		return
	}

	order := exchange.OrderRequest{
		Currency: chi.URLParam(r, "currency"),
		Maturity: maturity,
		Owner:    owner,
		Side:     req.Side,
		Rate:     req.Rate,
		Amount:   req.Amount,
	}
	var result exchange.OrderResult
	if req.TakeOnly {
		result, err = h.Exchange.TakeOrder(r.Context(), order)
	} else {
		result, err = h.Exchange.PlaceOrder(r.Context(), order)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Resting > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// CancelOrder cancels a resting order of the caller
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid order ID")
		return
	}
	order, err := h.Exchange.CancelOrder(r.Context(), owner, models.OrderID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ConvertPosition turns the caller's position in a rotated market into
// genesis value
func (h *Handler) ConvertPosition(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	maturity, err := maturityParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	delta, err := h.Exchange.ConvertToGenesisValue(r.Context(), chi.URLParam(r, "currency"), maturity, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"genesis_value": delta})
}

func (h *Handler) TransferGenesisValue(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req struct {
		To     string          `json:"to"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	currency := chi.URLParam(r, "currency")
	if err := h.Exchange.TransferGenesisValue(r.Context(), currency, owner, req.To, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"from": owner, "to": req.To, "amount": req.Amount})
}

// GetValue reports the caller's present value and genesis value in a currency.
// With ?maturity= it also expresses the genesis value at that rotated maturity.
func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	currency := chi.URLParam(r, "currency")
	pv, err := h.Exchange.GetTotalPresentValue(currency, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	gv, err := h.Exchange.GetGenesisValue(currency, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"owner":         owner,
		"currency":      currency,
		"present_value": pv,
		"genesis_value": gv,
	}
	if q := r.URL.Query().Get("maturity"); q != "" {
		maturity, err := time.Parse(time.DateOnly, q)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "maturity must be YYYY-MM-DD")
			return
		}
		fv, err := h.Exchange.GetFutureValueAt(currency, owner, maturity)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["maturity"] = q
		resp["future_value_at_maturity"] = fv
	}
	ref, err := h.Exchange.GetTotalPresentValueInReference(currency, owner)
	switch {
	case err == nil:
		resp["present_value_reference"] = ref
	case statusOf(err) == http.StatusInternalServerError:
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUserOrders retrieves the caller's projected orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.History == nil {
		writeMessage(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	orders, err := h.History.OwnerOrders(r.Context(), owner, historyLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []db.OrderRow{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserTrades retrieves the caller's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.History == nil {
		writeMessage(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	trades, err := h.History.OwnerTrades(r.Context(), owner, historyLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []db.TradeRow{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetProjectedFactors serves the compound factor chain as projected into postgres
func (h *Handler) GetProjectedFactors(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeMessage(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	factors, err := h.History.CompoundFactors(r.Context(), chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err)
		return
	}
	if factors == nil {
		factors = []db.FactorRow{}
	}
	writeJSON(w, http.StatusOK, factors)
}

// GetProjectedValue serves the caller's genesis value as projected into postgres
func (h *Handler) GetProjectedValue(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.History == nil {
		writeMessage(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	gv, err := h.History.GenesisValue(r.Context(), chi.URLParam(r, "currency"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	seq, err := h.History.LastSeq(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":         owner,
		"currency":      chi.URLParam(r, "currency"),
		"genesis_value": gv,
		"projected_seq": seq,
	})
}

// Health reports liveness and, with a projection, how far it has caught up
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if h.History != nil {
		seq, err := h.History.LastSeq(r.Context())
		if err != nil {
			log.Printf("[api] projection unavailable: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		resp["projected_seq"] = seq
	}
	writeJSON(w, http.StatusOK, resp)
}
