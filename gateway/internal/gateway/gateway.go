// Package gateway is the main orchestrator that ties all gateway components together.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicelink/voicelink/gateway/internal/api"
	"github.com/voicelink/voicelink/gateway/internal/auth"
	"github.com/voicelink/voicelink/gateway/internal/config"
	"github.com/voicelink/voicelink/gateway/internal/correlator"
	"github.com/voicelink/voicelink/gateway/internal/devicehub"
	"github.com/voicelink/voicelink/gateway/internal/directive"
	"github.com/voicelink/voicelink/gateway/internal/identity"
	"github.com/voicelink/voicelink/gateway/internal/mirror"
	"github.com/voicelink/voicelink/gateway/internal/relay"
	"github.com/voicelink/voicelink/gateway/internal/store"
)

const purgeInterval = time.Hour

// Gateway is the main gateway process.
type Gateway struct {
	cfg    *config.Config
	store  store.Store
	hub    *devicehub.Hub
	mirror *mirror.NATS
	api    *api.Server
	logger *slog.Logger
}

// New builds every component from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	ingress, err := auth.NewIngressVerifier(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ingress verifier: %w", err)
	}
	sessions := auth.NewSessions(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry.Duration)
	idp := identity.New(cfg.Upstream)

	g := &Gateway{
		cfg:    cfg,
		store:  db,
		logger: logger.With("component", "gateway"),
	}

	// The relay takes an interface; keep it nil rather than a typed nil pointer.
	var eventMirror relay.Mirror
	if cfg.Mirror.NATSURL != "" {
		m, err := mirror.Connect(cfg.Mirror.NATSURL, cfg.Mirror.Subject, logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init event mirror: %w", err)
		}
		g.mirror = m
		eventMirror = m
	}

	rel := relay.New(db, idp, eventMirror, relay.Options{
		GatewayURL:       cfg.Upstream.EventGatewayURL,
		RefreshThreshold: cfg.Upstream.RefreshThreshold.Duration,
		RequestTimeout:   cfg.Upstream.RequestTimeout.Duration,
	}, logger)

	corr := correlator.New()
	g.hub = devicehub.New(devicehub.NewGatekeeper(db), corr, rel, db, devicehub.Options{
		PingInterval:    cfg.Devices.PingInterval.Duration,
		PongWait:        cfg.Devices.PongWait.Duration,
		MaxMessageBytes: cfg.Devices.MaxMessageBytes,
		SendBuffer:      cfg.Devices.SendBuffer,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, logger)

	rt := directive.New(g.hub, corr, db, idp, directive.Options{
		DiscoveryWindow: cfg.Directives.DiscoveryWindow.Duration,
		ResponseTimeout: cfg.Directives.ResponseTimeout.Duration,
	}, logger)

	g.api = api.NewServer(db, ingress, sessions, idp, rt, g.hub, cfg, logger)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Mirror.NATSURL == "" {
		logger.Debug("event mirror disabled")
	}

	return g, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.api.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Server.Addr,
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.api.StartBackgroundTasks(ctx)

	if g.cfg.Storage.AuditRetention.Duration > 0 {
		go g.runRetentionPurger(ctx, g.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.Addr)
		if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
		} else {
			g.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			g.logger.Info("http server stopped gracefully")
		}

		g.Close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		g.Close()
		return err
	}
}

// Close disconnects devices, waits for in-flight event relays and releases the
// mirror and the store.
func (g *Gateway) Close() {
	g.logger.Info("closing device connections", "count", g.hub.Count())
	g.hub.Close()
	if g.mirror != nil {
		if err := g.mirror.Close(); err != nil {
			g.logger.Warn("event mirror close failed", "error", err)
		}
	}
	g.logger.Info("closing store")
	_ = g.store.Close()
}

func (g *Gateway) runRetentionPurger(ctx context.Context, auditRetention time.Duration) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.purgeAuditEvents(ctx, auditRetention)
		}
	}
}

func (g *Gateway) purgeAuditEvents(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	if n, err := g.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		g.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		g.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
