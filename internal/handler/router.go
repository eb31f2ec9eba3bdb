package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	custommiddleware "github.com/realmkeeper/shardstore/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/account", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/password", h.ChangePassword)
			r.Get("/balance", h.GetBalance)
		})
	})

	r.Route("/api/shop", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/checkout", h.Checkout)
		r.Post("/purchase", h.Purchase)
		r.Get("/purchases/{id}/refund-eligibility", h.RefundEligibility)
	})

	// Внешние обратные вызовы: аутентичность проверяется внутри обработчиков.
	r.Post("/api/payment/webhook", h.PaymentWebhook)
	r.Post("/api/vote/callback", h.VotePingback)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(custommiddleware.CronAuth(h.cronToken))

		r.Post("/purchases/{id}/deliver", h.RetryDelivery)
		r.Post("/purchases/{id}/fail", h.FailDelivery)
		r.Post("/deliveries/sweep", h.SweepDeliveries)
		r.Post("/payments/expire-stale", h.ExpireStalePayments)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
