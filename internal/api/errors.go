package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/xtrntr/ratemarket/internal/auth"
	"github.com/xtrntr/ratemarket/internal/curve"
	"github.com/xtrntr/ratemarket/internal/db"
	"github.com/xtrntr/ratemarket/internal/exchange"
	"github.com/xtrntr/ratemarket/internal/exposure"
	"github.com/xtrntr/ratemarket/internal/genesis"
	"github.com/xtrntr/ratemarket/internal/market"
	"github.com/xtrntr/ratemarket/internal/orderbook"
	"github.com/xtrntr/ratemarket/internal/reference"
)

var errForbidden = errors.New("forbidden")

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, orderbook.ErrInvalidOrder),
		errors.Is(err, orderbook.ErrDuplicateOrder),
		errors.Is(err, orderbook.ErrInvalidAmount),
		errors.Is(err, exchange.ErrInvalidParams),
		errors.Is(err, curve.ErrInvalidAnchors),
		errors.Is(err, genesis.ErrInvalidAmount),
		errors.Is(err, exposure.ErrInvalidAmount),
		errors.Is(err, auth.ErrInvalidOwner):
		return http.StatusBadRequest

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized

	case errors.Is(err, market.ErrNotOrderOwner),
		errors.Is(err, errForbidden):
		return http.StatusForbidden

	case errors.Is(err, exchange.ErrCurrencyNotFound),
		errors.Is(err, exchange.ErrMarketNotFound),
		errors.Is(err, orderbook.ErrOrderNotFound),
		errors.Is(err, genesis.ErrNotInitialized),
		errors.Is(err, genesis.ErrNoPosition),
		errors.Is(err, reference.ErrUnknownCurrency):
		return http.StatusNotFound

	case errors.Is(err, orderbook.ErrNoLiquidity),
		errors.Is(err, market.ErrMarketNotOpen),
		errors.Is(err, genesis.ErrMarketNotMatured),
		errors.Is(err, genesis.ErrAlreadyRotated),
		errors.Is(err, genesis.ErrOutOfOrder),
		errors.Is(err, genesis.ErrFactorNotFixed),
		errors.Is(err, genesis.ErrAlreadyConverted),
		errors.Is(err, genesis.ErrAlreadyInitialized),
		errors.Is(err, exposure.ErrInsufficientCapacity),
		errors.Is(err, db.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, exposure.ErrReleaseExceedsReserved),
		errors.Is(err, genesis.ErrInsufficientValue):
		return http.StatusUnprocessableEntity

	case errors.Is(err, exchange.ErrNoReference):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError reports err with its mapped status. Internal errors are logged
// and hidden from the caller.
func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
		writeMessage(w, status, "internal error")
		return
	}
	writeMessage(w, status, err.Error())
}
