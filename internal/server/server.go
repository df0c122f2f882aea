// Package server assembles the proxy: two guest-facing listeners (plaintext
// and TLS with SNI leaf certificates), the loopback admin API, and the wiring
// between policy store, OpenAPI index, approval manager, audit pipeline and
// mediator.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokengate/tokengate/internal/approvals"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/events"
	"github.com/tokengate/tokengate/internal/mediator"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/openapi"
	"github.com/tokengate/tokengate/internal/policy"
	storepkg "github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/internal/store/composite"
	"github.com/tokengate/tokengate/internal/store/jsonl"
	"github.com/tokengate/tokengate/internal/store/sqlite"
	"github.com/tokengate/tokengate/internal/store/webhook"
	"github.com/tokengate/tokengate/pkg/types"
)

func policyReloadedEvent() types.Event {
	return types.Event{Type: events.TypePolicyReloaded}
}

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	policies *policy.Store
	index    *openapi.Index
	manager  *approvals.Manager
	broker   *events.Broker
	emitter  *events.Emitter
	store    storepkg.EventStore
	metrics  *metrics.Collector
	med      *mediator.Mediator

	httpServer  *http.Server
	httpLn      net.Listener
	tlsServer   *http.Server
	tlsLn       net.Listener
	adminServer *http.Server
	adminLn     net.Listener
}

// New wires the full proxy from configuration. The policy document is
// loaded (an absent file is an empty configuration) and every host's OpenAPI
// spec is fetched once.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	policies, err := policy.Load(cfg.Policy.Path, logger)
	if err != nil {
		return nil, err
	}

	var stores []storepkg.EventStore
	if cfg.Audit.JSONL.Path != "" {
		s, err := jsonl.New(cfg.Audit.JSONL.Path, cfg.Audit.JSONL.MaxSizeMB, cfg.Audit.JSONL.MaxBackups)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	if cfg.Audit.SQLite.Path != "" {
		s, err := sqlite.Open(cfg.Audit.SQLite.Path)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	if cfg.Audit.Webhook.URL != "" {
		s, err := webhook.New(webhook.Config{
			URL:           cfg.Audit.Webhook.URL,
			Headers:       cfg.Audit.Webhook.Headers,
			Events:        cfg.Audit.Webhook.Events,
			BatchSize:     cfg.Audit.Webhook.BatchSize,
			FlushInterval: config.Duration(cfg.Audit.Webhook.FlushInterval),
			Timeout:       config.Duration(cfg.Audit.Webhook.Timeout),
			RetryCount:    cfg.Audit.Webhook.RetryCount,
			RetryDelay:    config.Duration(cfg.Audit.Webhook.RetryDelay),
		})
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	eventStore := composite.New(stores...)

	broker := events.NewBroker()
	emitter := &events.Emitter{Broker: broker, Store: eventStore, Logger: logger}
	collector := metrics.New()

	var totpSecret string
	if cfg.Approvals.TOTP.Enabled {
		totpSecret = os.Getenv(cfg.Approvals.TOTP.SecretEnvVar)
		if totpSecret == "" {
			return nil, fmt.Errorf("TOTP enabled but %s is unset", cfg.Approvals.TOTP.SecretEnvVar)
		}
	}
	manager := approvals.NewManager(approvals.Options{
		Timeout:    cfg.ApprovalTimeout(),
		TOTPSecret: totpSecret,
		Emitter:    emitter,
		Collector:  collector,
		Logger:     logger,
	})

	index := openapi.NewIndex()
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		policies: policies,
		index:    index,
		manager:  manager,
		broker:   broker,
		emitter:  emitter,
		store:    eventStore,
		metrics:  collector,
	}
	s.loadOpenAPISpecs(context.Background())

	s.med = &mediator.Mediator{
		Policies:  policies,
		Transport: manager,
		OpenAPI:   index,
		Emitter:   emitter,
		Collector: collector,
		Logger:    logger,
	}
	return s, nil
}

// loadOpenAPISpecs fetches each configured host's spec. A spec that fails to
// load only degrades suggestions, so failures are logged and skipped.
func (s *Server) loadOpenAPISpecs(ctx context.Context) {
	for _, host := range s.policies.Hosts() {
		src := s.policies.OpenAPISource(host)
		if src == nil {
			continue
		}
		doc, err := openapi.Load(ctx, nil, src.URL, src.Path)
		if err != nil {
			s.logger.Warn("load OpenAPI spec", "host", host, "error", err)
			continue
		}
		s.index.Set(host, doc)
		s.logger.Info("OpenAPI spec indexed", "host", host, "paths", len(doc.Paths))
	}
}

// Start brings up the plaintext and admin listeners, the TLS listener when
// tls.cert_dir is set, and, when configured, the policy file watcher. It
// returns once the listeners are bound; serving continues until Shutdown, and
// a listener failure is reported on the returned error channel.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	readTimeout := config.Duration(s.cfg.Server.ReadTimeout)
	writeTimeout := config.Duration(s.cfg.Server.WriteTimeout)
	idleTimeout := config.Duration(s.cfg.Server.IdleTimeout)

	newProxy := func(scheme string) *proxyHandler {
		return &proxyHandler{
			scheme:       scheme,
			mediator:     s.med,
			upstream:     newUpstreamClient(),
			emitter:      s.emitter,
			collector:    s.metrics,
			logger:       s.logger,
			maxBodyBytes: s.cfg.Server.MaxBodyBytes,
		}
	}

	errs := make(chan error, 3)

	httpLn, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.cfg.Server.HTTPAddr, err)
	}
	s.httpLn = httpLn
	s.httpServer = &http.Server{
		Handler:           newProxy("http"),
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	go func() {
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http listener: %w", err)
		}
	}()

	if s.cfg.TLS.CertDir != "" {
		tlsLn, err := net.Listen("tcp", s.cfg.Server.TLSAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, fmt.Errorf("listen %s: %w", s.cfg.Server.TLSAddr, err)
		}
		s.tlsLn = tlsLn
		provider := NewDirCertificateProvider(s.cfg.TLS.CertDir)
		s.tlsServer = &http.Server{
			Handler:           newProxy("https"),
			ReadHeaderTimeout: readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
			TLSConfig: &tls.Config{
				GetCertificate: provider.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
		}
		go func() {
			if err := s.tlsServer.ServeTLS(tlsLn, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("tls listener: %w", err)
			}
		}()
	} else {
		s.logger.Warn("tls.cert_dir not configured, TLS listener disabled")
	}

	admin := &adminAPI{
		manager:   s.manager,
		broker:    s.broker,
		store:     s.store,
		collector: s.metrics,
		logger:    s.logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	adminLn, err := net.Listen("tcp", s.cfg.Server.AdminAddr)
	if err != nil {
		_ = s.closeListeners()
		return nil, fmt.Errorf("listen %s: %w", s.cfg.Server.AdminAddr, err)
	}
	s.adminLn = adminLn
	s.adminServer = &http.Server{
		Handler:           admin.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.adminServer.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	if s.cfg.Policy.Watch {
		if err := s.policies.Watch(ctx, func() {
			s.emitter.Emit(ctx, policyReloadedEvent())
			s.loadOpenAPISpecs(ctx)
		}); err != nil {
			s.logger.Warn("policy watch unavailable", "error", err)
		}
	}

	s.logger.Info("tokengate started",
		"http_addr", s.cfg.Server.HTTPAddr,
		"tls_addr", s.cfg.Server.TLSAddr,
		"admin_addr", s.cfg.Server.AdminAddr,
		"hosts", len(s.policies.Hosts()))
	return errs, nil
}

// AdminAddr returns the bound admin address, useful when configured with
// port 0.
func (s *Server) AdminAddr() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// HTTPAddr returns the bound plaintext proxy address.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) closeListeners() error {
	var errs []error
	for _, ln := range []net.Listener{s.httpLn, s.tlsLn, s.adminLn} {
		if ln != nil {
			errs = append(errs, ln.Close())
		}
	}
	return errors.Join(errs...)
}

// Shutdown drains the listeners and closes the audit stores.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range []*http.Server{s.httpServer, s.tlsServer, s.adminServer} {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
