package server

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/heraldhq/herald/instrumentation"
	"github.com/heraldhq/herald/security"
	"github.com/heraldhq/herald/storage"
	"github.com/heraldhq/herald/token"
)

// Server implements the OAuth 2.1 authorization server logic.
// It coordinates client registration, the authorization code flow and
// token issuance over the storage backends.
type Server struct {
	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	userStore   storage.UserStore
	tokens      *token.Issuer

	Auditor         *security.Auditor
	Logger          *slog.Logger
	Config          *Config
	Instrumentation *instrumentation.Instrumentation

	tracer trace.Tracer
	now    func() time.Time
}

// New creates a new OAuth server
func New(
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	userStore storage.UserStore,
	tokens *token.Issuer,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Server{
		clientStore: clientStore,
		flowStore:   flowStore,
		userStore:   userStore,
		tokens:      tokens,
		Config:      config,
		Logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer("server"),
		now:         time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables tracing and flow metrics.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// SetClock replaces the time source. Tests use it to expire codes.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Tokens returns the credential issuer the server mints tokens with.
func (s *Server) Tokens() *token.Issuer {
	return s.tokens
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}
