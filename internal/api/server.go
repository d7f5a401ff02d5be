// Package api exposes the exchange over HTTP and WebSocket.
//
// REST handles submissions, cancels, market administration, and queries;
// the WebSocket endpoint streams sequenced bus envelopes per topic.
// Identity is the X-User-ID header; this is a trusted-perimeter service
// and real authentication is expected to live in front of it.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"prediction-exchange/internal/bus"
	"prediction-exchange/internal/config"
	"prediction-exchange/internal/gateway"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server and wires all routes.
func NewServer(cfg *config.Config, gw *gateway.Gateway, evbus *bus.Bus, logger *slog.Logger) *Server {
	handlers := NewHandlers(cfg, gw, evbus, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)

	mux.HandleFunc("POST /api/users", handlers.HandleCreateUser)
	mux.HandleFunc("POST /api/deposit", handlers.HandleDeposit)
	mux.HandleFunc("GET /api/balance", handlers.HandleBalance)
	mux.HandleFunc("GET /api/positions", handlers.HandlePositions)

	mux.HandleFunc("GET /api/markets", handlers.HandleListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.HandleCreateMarket)
	mux.HandleFunc("GET /api/markets/{slug}", handlers.HandleGetMarket)
	mux.HandleFunc("POST /api/markets/{slug}/close", handlers.HandleCloseMarket)
	mux.HandleFunc("POST /api/markets/{slug}/resolve", handlers.HandleResolveMarket)
	mux.HandleFunc("POST /api/markets/{slug}/cancel", handlers.HandleCancelMarket)
	mux.HandleFunc("GET /api/markets/{slug}/book", handlers.HandleOrderBook)
	mux.HandleFunc("GET /api/markets/{slug}/trades", handlers.HandleTrades)

	mux.HandleFunc("POST /api/orders", handlers.HandlePlaceOrder)
	mux.HandleFunc("GET /api/orders/{id}", handlers.HandleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.HandleCancelOrder)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg.Server,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
