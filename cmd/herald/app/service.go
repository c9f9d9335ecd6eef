package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/mcp"
	"github.com/heraldhq/herald/objectstore"
	objmemory "github.com/heraldhq/herald/objectstore/memory"
	"github.com/heraldhq/herald/objectstore/s3"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/server"
	"github.com/heraldhq/herald/session"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/storage/memory"
	"github.com/heraldhq/herald/storage/redis"
	"github.com/heraldhq/herald/storage/sqlite"
	"github.com/heraldhq/herald/token"
	"github.com/heraldhq/herald/tools"
)

// Service is a fully assembled herald process.
type Service struct {
	Handler         *herald.Handler
	Instrumentation *instrumentation.Instrumentation

	config  *config.Config
	logger  *slog.Logger
	closers []func() error
}

// backend is the persistent store as the server consumes it.
type backend interface {
	storage.Store
	Close() error
}

// NewService opens the configured backends and wires the authorization
// server, session manager, tool catalog and HTTP handler over them. Close
// releases whatever was opened, also after a partial failure.
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "herald",
		ServiceVersion: Version,
		Enabled:        cfg.Metrics.Enabled,
		LogClientIPs:   cfg.Metrics.LogClientIPs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	svc.Instrumentation = inst
	svc.onClose(func() error { return inst.Shutdown(context.Background()) })

	auditor := security.NewAuditor(logger, cfg.Auth.Audit)
	auditor.SetRecorder(inst.Metrics())

	store, err := openStore(ctx, cfg.Storage, logger, inst)
	if err != nil {
		return nil, err
	}
	svc.onClose(store.Close)

	var sessionStore storage.SessionStore = store
	if cfg.Redis.URL != "" {
		rdb, err := redis.Connect(ctx, redis.Config{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		rdb.SetInstrumentation(inst)
		svc.onClose(rdb.Close)
		sessionStore = rdb
		logger.Info("Using Redis for MCP sessions", "key_prefix", cfg.Redis.KeyPrefix)
	}

	issuer, err := token.NewIssuer(token.Config{
		Secret:          cfg.Auth.JWTSecret,
		AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
	}, store, store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	issuer.SetInstrumentation(inst)
	if cfg.Auth.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.Auth.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid auth.encryption_key: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("invalid auth.encryption_key: %w", err)
		}
		issuer.SetEncryptor(enc)
	}

	var autoRegister []string
	if len(cfg.Auth.AutoRegisterDomains) > 0 {
		autoRegister = cfg.Auth.AutoRegisterDomains
	}
	srv, err := server.New(store, store, store, issuer, &server.Config{
		AuthorizationCodeTTL:       cfg.Auth.CodeTTL,
		AllowedAutoRegisterDomains: autoRegister,
		DisableAutoRegistration:    cfg.Auth.DisableAutoRegister,
		NoScopeFallback:            cfg.Auth.NoScopeFallback,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization server: %w", err)
	}
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)

	sessions, err := session.NewManager(sessionStore, session.Config{TTL: cfg.Auth.SessionTTL}, logger)
	if err != nil {
		return nil, err
	}
	sessions.SetAuditor(auditor)
	sessions.SetInstrumentation(inst)

	objects, err := openObjects(ctx, cfg.Objects, logger)
	if err != nil {
		return nil, err
	}
	publisher, err := tools.NewPublisher(store, objects, logger)
	if err != nil {
		return nil, err
	}
	publisher.SetInstrumentation(inst)
	registry, err := tools.NewRegistry(publisher.Tools()...)
	if err != nil {
		return nil, err
	}

	dispatcher, err := mcp.NewDispatcher(sessions, registry, mcp.Config{
		ServerVersion: Version,
		CallTimeout:   cfg.Server.ToolTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	dispatcher.SetAuditor(auditor)
	dispatcher.SetInstrumentation(inst)

	handler, err := herald.NewHandler(srv, dispatcher, herald.Config{
		Issuer:         cfg.Server.Issuer,
		RequestTimeout: cfg.Server.RequestTimeout,
		RateLimit: herald.RateLimitConfig{
			Rate:              cfg.Server.RateLimit,
			Burst:             cfg.Server.RateBurst,
			TrustProxy:        cfg.Server.TrustProxy,
			TrustedProxyCount: cfg.Server.TrustedProxyCount,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	svc.Handler = handler
	svc.onClose(func() error { handler.Close(); return nil })

	return svc, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger, inst *instrumentation.Instrumentation) (backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		logger.Warn("Using in-memory storage; all data is lost on restart")
		return store, nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.Path,
			AutoMigrate: cfg.AutoMigrate,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		store.SetInstrumentation(inst)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage.driver %q", cfg.Driver)
	}
}

func openObjects(ctx context.Context, cfg config.ObjectsConfig, logger *slog.Logger) (objectstore.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return objmemory.New(), nil
	case config.DriverS3:
		return s3.New(ctx, s3.Config{
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown objects.driver %q", cfg.Driver)
	}
}

func (s *Service) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases every backend in reverse order of opening.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts the
// HTTP server down gracefully.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler.Routes(),
		ReadHeaderTimeout: s.config.Server.ReadHeaderTimeout,
		ReadTimeout:       s.config.Server.ReadTimeout,
		WriteTimeout:      s.config.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Herald listening", "addr", ln.Addr().String(), "issuer", s.config.Server.Issuer)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
