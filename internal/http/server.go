package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	if handler.Log == nil {
		handler.Log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", handler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/accounts", handler.CreateAccount)
		r.Post("/fiat/{provider}/webhook", handler.FiatWebhook)
		r.Get("/ws/{key}", handler.WalletStream)
		r.Get("/payments/ws/{paymentHash}", handler.HashStream)

		r.Group(func(r chi.Router) {
			r.Use(handler.requireKey(false))
			r.Get("/wallet", handler.GetWallet)
			r.Post("/payments", handler.CreatePayment)
			r.Get("/payments", handler.ListPayments)
			r.Get("/payments/{checkingId}", handler.GetPayment)
			r.Post("/fiat/invoices", handler.CreateFiatInvoice)
		})

		r.Group(func(r chi.Router) {
			r.Use(handler.requireKey(true))
			r.Post("/wallets", handler.CreateWallet)
		})
	})

	return &Server{Router: r}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
