package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// NewRouter wires the handlers. hub may be nil, in which case /ws is not
// served.
func NewRouter(h *Handler, hub *Hub) *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if hub != nil {
		r.Get("/ws", hub.ServeHTTP)
	}
	r.Get("/healthz", h.Health)

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Get("/currencies", h.ListCurrencies)
	r.Route("/currencies/{currency}", func(r chi.Router) {
		r.Get("/markets", h.GetMarkets)
		r.Get("/markets/{maturity}/book", h.GetOrderBook)
		r.Get("/markets/{maturity}/positions", h.GetPositions)
		r.Get("/curve", h.GetCurve)
		r.Get("/factors", h.GetCompoundFactors)
		r.Get("/rotations", h.GetRotations)
		r.Get("/genesis", h.GetGenesisBalances)
		r.Get("/history/factors", h.GetProjectedFactors)

		// Protected endpoints (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)
			r.Post("/markets/{maturity}/orders", h.PlaceOrder)
			r.Post("/markets/{maturity}/convert", h.ConvertPosition)
			r.Post("/transfers", h.TransferGenesisValue)
			r.Get("/value", h.GetValue)
			r.Get("/history/value", h.GetProjectedValue)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware, h.RequireAdmin)
			r.Post("/markets", h.CreateMarket)
			r.Post("/rotate", h.RotateMarkets)
			r.Put("/curve", h.UpdateCurve)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Get("/trades", h.GetUserTrades)
		r.With(h.RequireAdmin).Post("/currencies", h.InitializeCurrency)
	})

	return r
}
