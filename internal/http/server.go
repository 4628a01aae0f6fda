package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, auth Authenticator) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(stripQueryToken)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Called by the gateway and the user's browser, never authenticated.
	r.Route("/payment", func(r chi.Router) {
		r.Post("/verify", handler.VerifyPayment)
		r.Get("/verify", handler.VerifyPayment)
		r.Get("/failure", handler.PaymentFailure)
	})

	r.With(auth.Middleware).Post("/checkout", handler.Checkout)
	r.Route("/orders", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Post("/", handler.CreateOrder)
			r.Get("/", handler.ListOrders)
			r.Get("/{orderId}", handler.GetOrder)
		})
		r.With(auth.StreamMiddleware).Get("/{orderId}/stream", handler.StreamOrder)
	})

	return &Server{Router: r}
}
