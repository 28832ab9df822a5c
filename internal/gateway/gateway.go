// ABOUTME: Gateway orchestrator that wires the inbox pipeline behind one HTTP server
// ABOUTME: Manages store, hub, batcher, sequencer, retention and listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/inbox-gateway/internal/assistant"
	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/credentials"
	"github.com/2389/inbox-gateway/internal/dedupe"
	"github.com/2389/inbox-gateway/internal/events"
	"github.com/2389/inbox-gateway/internal/hub"
	"github.com/2389/inbox-gateway/internal/messenger"
	"github.com/2389/inbox-gateway/internal/pipeline"
	"github.com/2389/inbox-gateway/internal/retention"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/tickets"
)

// Gateway owns every long-lived component of the inbox service.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	verifier    *auth.JWTVerifier
	dedupe      dedupe.Marker
	notifier    *notifier
	sender      messenger.Sender
	hub         *hub.Hub
	tickets     *tickets.Service
	processor   *pipeline.Processor
	sequencer   *pipeline.Sequencer
	batcher     *pipeline.Batcher
	retention   *retention.Job
	validate    *validator.Validate
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// now is swapped in tests.
	now func() time.Time
}

// initStore opens the SQLite store named by config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initAssistant builds the assistant gateway, or returns nil when no
// assistant is configured.
func initAssistant(cfg *config.Config, opener assistant.TicketOpener, logger *slog.Logger) assistant.Asker {
	if !cfg.AssistantConfigured() {
		logger.Warn("assistant disabled: no api key or assistant id configured")
		return nil
	}
	backend := assistant.NewOpenAIBackend(cfg.Assistant.APIKey, cfg.Assistant.AssistantID, cfg.Assistant.BaseURL)
	tools := assistant.NewTools(opener, logger)
	return assistant.NewGateway(backend, tools, assistant.Options{
		PollAttempts: cfg.Assistant.PollAttempts,
		PollInterval: cfg.Assistant.PollInterval,
	}, logger)
}

// New creates a new Gateway. Only failing to open the store, the dedupe
// backend or the event broker is fatal.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	marker, err := dedupe.New(ctx, cfg.Dedupe.RedisURL, cfg.Dedupe.TTL, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("initializing dedupe: %w", err)
	}

	publisher, err := events.Connect(ctx, cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
	if err != nil {
		_ = marker.Close()
		_ = st.Close()
		return nil, fmt.Errorf("connecting event broker: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		store:    st,
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		dedupe:   marker,
		validate: validator.New(),
		logger:   logger.With("component", "gateway"),
		now:      time.Now,
	}

	msgClient := messenger.NewClient(cfg.Messenger.GraphURL, cfg.Messenger.AccessToken, logger)
	gw.sender = msgClient

	gw.hub = hub.New(gw.verifier, hub.Options{
		PingInterval: cfg.Hub.PingInterval,
		Inbound:      gw.ingestClientMessage,
	}, logger)
	gw.notifier = newNotifier(gw.hub, publisher, logger)

	gw.tickets = tickets.NewService(st, gw.notifier, msgClient, logger)

	deps := pipeline.Deps{
		Store:       st,
		Notifier:    gw.notifier,
		Tickets:     gw.tickets,
		Sender:      msgClient,
		Profiles:    msgClient,
		Credentials: credentials.NewGenerator(),
		Assistant:   initAssistant(cfg, gw.tickets, logger),
	}
	gw.processor = pipeline.NewProcessor(deps, cfg.Pipeline.AIEnabledDefault, logger)
	gw.sequencer = pipeline.NewSequencer(gw.processor, logger)
	gw.batcher = pipeline.NewBatcher(cfg.Pipeline.DebounceWindow, func(b pipeline.Batch) {
		gw.sequencer.Enqueue(b.Key, b)
	}, logger)

	gw.retention, err = retention.New(st, cfg.Retention.Schedule, cfg.Retention.ImageTTL, logger)
	if err != nil {
		_ = gw.closeComponents(context.Background())
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServers starts the HTTP server and the retention job, returning an error channel.
func (g *Gateway) startServers(ctx context.Context, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		if err := g.retention.Run(ctx); err != nil {
			errCh <- fmt.Errorf("retention job: %w", err)
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

// Run starts serving and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(runCtx, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "inbox-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks Funnel, tailnet HTTPS or plain HTTP.
// Messenger only delivers webhooks to a public HTTPS URL, which needs Funnel.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}
	if tsCfg.HTTPS {
		return g.createTailscaleTLSListener()
	}
	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops the pipeline and releases every backing resource.
// Open batches are flushed and drained before the store closes, for as long
// as ctx allows.
func (g *Gateway) closeComponents(ctx context.Context) []error {
	var errs []error
	if g.batcher != nil {
		errs = appendCloseError(errs, "batcher close", g.batcher.Close())
	}
	if g.sequencer != nil {
		g.sequencer.Stop()
		errs = appendCloseError(errs, "pipeline drain", g.sequencer.Wait(ctx))
	}
	if g.hub != nil {
		errs = appendCloseError(errs, "hub close", g.hub.Close())
	}
	if g.notifier != nil {
		errs = appendCloseError(errs, "events close", g.notifier.Close())
	}
	if g.dedupe != nil {
		errs = appendCloseError(errs, "dedupe close", g.dedupe.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errs
}

// Shutdown stops accepting requests, drains the pipeline and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = append(errs, g.closeComponents(ctx)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live connections, %d customers in flight)", g.hub.Len(), g.sequencer.Busy())
}
