package api

import (
	"context"
	"net/http"

	"github.com/authcore-labs/authcore/pkg/authz"
	"github.com/authcore-labs/authcore/pkg/credential"
	"github.com/authcore-labs/authcore/pkg/pipeline"
	"github.com/authcore-labs/authcore/pkg/vault"
	"github.com/authcore-labs/authcore/pkg/webhook"
)

// Authorizer answers permission checks. Satisfied by *authz.Engine.
type Authorizer interface {
	CheckPermission(ctx context.Context, subjectType, subjectID, entityType, entityID, permission string, checkCtx map[string]any) bool
}

// Deps carries everything the HTTP surface needs. Ingress may be nil
// when webhook intake is not configured; Limiter may be nil to disable
// rate limiting in tests.
type Deps struct {
	Exchanger  *credential.Exchanger
	Keys       *credential.KeyVerifier
	Tokens     *credential.TokenVerifier
	Authorizer Authorizer
	Registry   *authz.Registry
	Users      authz.UserDirectory
	Pipelines  *pipeline.Service
	Traces     pipeline.TraceStore
	Secrets    *vault.Vault
	Endpoints  *webhook.EndpointService
	Ingress    *webhook.Ingress
	Limiter    *RateLimiter
}

// Server holds the HTTP surface's dependencies.
type Server struct {
	exchanger  *credential.Exchanger
	keys       *credential.KeyVerifier
	tokens     *credential.TokenVerifier
	authorizer Authorizer
	registry   *authz.Registry
	users      authz.UserDirectory
	pipelines  *pipeline.Service
	traces     pipeline.TraceStore
	secrets    *vault.Vault
	endpoints  *webhook.EndpointService
	ingress    *webhook.Ingress
	limiter    *RateLimiter
}

// NewServer wires the API.
func NewServer(deps Deps) *Server {
	return &Server{
		exchanger:  deps.Exchanger,
		keys:       deps.Keys,
		tokens:     deps.Tokens,
		authorizer: deps.Authorizer,
		registry:   deps.Registry,
		users:      deps.Users,
		pipelines:  deps.Pipelines,
		traces:     deps.Traces,
		secrets:    deps.Secrets,
		endpoints:  deps.Endpoints,
		ingress:    deps.Ingress,
		limiter:    deps.Limiter,
	}
}

// Routes builds the handler with the standard middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/api-key/exchange", s.handleExchange)
	mux.HandleFunc("POST /auth/check-permission", s.handleCheckPermission)
	mux.HandleFunc("POST /webhooks/queue", s.handleWebhookQueue)
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.adminRoutes(mux)

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	return RequestID(AccessLog(handler))
}
