// Package gateway exposes the bridge operations over HTTP.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/bridge"
	"github.com/jholhewres/wabridge/pkg/wabridge/config"
)

// Gateway is the HTTP API gateway.
type Gateway struct {
	svc       *bridge.Service
	config    config.GatewayConfig
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway.
func New(svc *bridge.Service, cfg config.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8085"
	}
	return &Gateway{
		svc:       svc,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler with the middleware chain applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", g.handleHealth)

	// Session
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/qr", g.handleQR)
	mux.HandleFunc("/api/reconnect", g.handleReconnect)
	mux.HandleFunc("/api/reset-auth", g.handleResetAuth)

	// Contacts
	mux.HandleFunc("/api/contacts", g.handleListContacts)
	mux.HandleFunc("/api/contacts/find", g.handleFindContact)

	// Messages
	mux.HandleFunc("/api/messages", g.handleGetMessages)
	mux.HandleFunc("/api/messages/recent", g.handleRecentMessages)
	mux.HandleFunc("/api/messages/fetch-more", g.handleFetchMore)
	mux.HandleFunc("/api/messages/search", g.handleSearch)

	// Writes
	mux.HandleFunc("/api/send", g.handleSend)
	mux.HandleFunc("/api/send-to-contact", g.handleSendToContact)
	mux.HandleFunc("/api/send-media", g.handleSendMedia)
	mux.HandleFunc("/api/reply", g.handleReply)
	mux.HandleFunc("/api/react", g.handleReact)
	mux.HandleFunc("/api/edit", g.handleEdit)
	mux.HandleFunc("/api/delete", g.handleDelete)
	mux.HandleFunc("/api/typing", g.handleTyping)

	return g.requestIDMiddleware(g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux))))
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
				"address", g.config.Address)
		}
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}
