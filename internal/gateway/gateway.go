// ABOUTME: Gateway orchestrator that wires credentials, backchannel, sessions, and the proxy
// ABOUTME: Owns the HTTP and gRPC servers, their listeners, and the shutdown sequence

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/studio-gateway/internal/auth"
	"github.com/2389/studio-gateway/internal/backchannel"
	"github.com/2389/studio-gateway/internal/config"
	"github.com/2389/studio-gateway/internal/credential"
	"github.com/2389/studio-gateway/internal/proxy"
	"github.com/2389/studio-gateway/internal/session"
	"github.com/2389/studio-gateway/internal/translate"
)

// Gateway orchestrates the studio-gateway server components.
type Gateway struct {
	config      *config.Config
	pool        *credential.Pool
	registry    *backchannel.Registry
	sessions    *session.Manager
	controller  *proxy.Controller
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	startedAt time.Time

	// baseURL is how clients reach the HTTP listener; refined once listeners are up.
	baseURL string
}

// newLauncher picks the session launcher. Without a command the agent is
// expected to connect on its own.
func newLauncher(cfg *config.Config, logger *slog.Logger) session.Launcher {
	if cfg.Session.Command == "" {
		logger.Info("no session command configured, waiting for an external agent")
		return session.NoopLauncher{}
	}
	return session.NewExecLauncher(cfg.Session.Command, cfg.Session.Args, nil, logger.With("component", "launcher"))
}

// loadPool discovers credential profiles from the configured source.
func loadPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*credential.Pool, error) {
	src, err := credential.NewSource(cfg.Credentials.Source, cfg.Credentials.Dir, cfg.Credentials.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("creating credential source: %w", err)
	}
	pool, err := credential.NewPool(ctx, src, logger.With("component", "credentials"))
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return pool, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	pool, err := loadPool(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	keys, err := auth.NewKeySet(cfg.Auth.APIKeys, cfg.Auth.AllowAnonymous)
	if err != nil {
		return nil, fmt.Errorf("configuring api keys: %w", err)
	}
	if keys.Anonymous() {
		logger.Warn("API key auth disabled - allow_anonymous is set")
	}

	registry := backchannel.NewRegistry(cfg.Backchannel.GracePeriod, logger.With("component", "backchannel"))
	sessions := session.NewManager(
		newLauncher(cfg, logger),
		registry,
		cfg.Session.ConnectTimeout,
		logger.With("component", "session"),
	)
	translator := translate.New(translate.Options{
		ForceThinking:   cfg.Proxy.ForceThinking,
		ForceWebSearch:  cfg.Proxy.ForceWebSearch,
		ForceURLContext: cfg.Proxy.ForceURLContext,
	}, logger.With("component", "translate"))
	controller := proxy.New(pool, registry, sessions, translator, proxy.OptionsFromConfig(cfg), logger.With("component", "proxy"))
	registry.OnConnectionLost(controller.ConnectionLost)

	gw := &Gateway{
		config:     cfg,
		pool:       pool,
		registry:   registry,
		sessions:   sessions,
		controller: controller,
		logger:     logger.With("component", "gateway"),
		startedAt:  time.Now(),
		baseURL:    determineBaseURL(cfg),
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = createGRPCServer(registry, cfg.Backchannel.Token, logger)
	} else {
		logger.Info("gRPC backchannel disabled - no grpc_addr configured")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(keys, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// determineBaseURL derives the client-facing HTTP base URL from config.
func determineBaseURL(cfg *config.Config) string {
	if envURL := os.Getenv("STUDIO_GATEWAY_URL"); envURL != "" {
		return envURL
	}
	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}
	return exposureFor(cfg.Tailscale).scheme() + "://" + cfg.Tailscale.Hostname
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Controller returns the rotation controller.
func (g *Gateway) Controller() *proxy.Controller {
	return g.controller
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when the
// gRPC backchannel is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "base_url", g.baseURL)
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers, brings up the first session, and blocks until ctx
// is canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)

	// The agent may need the listeners to connect back, so the initial
	// session is established after they are up.
	go g.controller.Start(ctx)

	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	if g.health != nil {
		g.health.Shutdown()
	}

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, fails whatever is still waiting on the
// agent, and stops the agent session.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Closing the registry ends the agent's backchannel stream, which lets
	// GracefulStop return instead of waiting out the deadline.
	g.controller.Close()
	g.registry.Close()
	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "session stop", g.sessions.Stop(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
