package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/authcore-labs/authcore/pkg/authz"
	"github.com/authcore-labs/authcore/pkg/observability"
	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/vault"
)

// TokenTTL is the lifetime of exchanged tokens.
const TokenTTL = 15 * time.Minute

// ExchangeScope marks tokens minted through the API key exchange.
const ExchangeScope = "api_key_exchange"

// Claims are the JWT claims issued by the exchange.
type Claims struct {
	jwt.RegisteredClaims
	Scope        string              `json:"scope"`
	APIKeyID     string              `json:"apiKeyId"`
	Permissions  map[string][]string `json:"permissions"`
	AbacRequired map[string][]string `json:"abac_required,omitempty"`
}

// TokenResponse is the exchange output.
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresIn int       `json:"expiresIn"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PermissionResolver computes the ABAC-aware permission snapshot for a
// user. Satisfied by *authz.Engine.
type PermissionResolver interface {
	ResolveAllPermissionsWithABACInfo(ctx context.Context, userID string) (*authz.Resolution, error)
}

// Exchanger turns a valid long-lived API key into a short-lived signed
// token. The decrypted signing key lives only on the stack of one
// exchange; it is never cached.
type Exchanger struct {
	verifier *KeyVerifier
	resolver PermissionResolver
	jwks     JWKSStore
	cipher   *vault.Cipher
	issuer   string
	audience string
	sink     *observability.Sink
	logger   *slog.Logger
	clock    func() time.Time
}

// NewExchanger wires the exchange. sink may be nil.
func NewExchanger(verifier *KeyVerifier, resolver PermissionResolver, jwks JWKSStore, cipher *vault.Cipher, issuer, audience string, sink *observability.Sink) *Exchanger {
	if sink == nil {
		sink = observability.NewSink(nil)
	}
	return &Exchanger{
		verifier: verifier,
		resolver: resolver,
		jwks:     jwks,
		cipher:   cipher,
		issuer:   issuer,
		audience: audience,
		sink:     sink,
		logger:   slog.Default().With("component", "credential_exchange"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Exchanger) WithClock(clock func() time.Time) *Exchanger {
	e.clock = clock
	return e
}

// Exchange verifies the API key and mints a 15-minute RS256 token
// carrying the caller's resolved permissions. clientIP is audit-logged
// on every path.
func (e *Exchanger) Exchange(ctx context.Context, rawKey, clientIP string) (*TokenResponse, error) {
	start := time.Now()

	key, err := e.verifier.Verify(ctx, rawKey)
	if err != nil {
		e.audit(ctx, "denied", "", clientIP, err)
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		return nil, platform.Wrap(platform.KindInternal, "verify api key", err)
	}

	resolution, err := e.resolver.ResolveAllPermissionsWithABACInfo(ctx, key.UserID)
	if err != nil {
		e.audit(ctx, "error", key.UserID, clientIP, err)
		return nil, platform.Wrap(platform.KindInternal, "resolve permissions", err)
	}

	latest, err := e.jwks.Latest(ctx)
	if err != nil {
		e.audit(ctx, "error", key.UserID, clientIP, err)
		return nil, platform.Wrap(platform.KindStorageError, "load signing key", err)
	}
	if latest == nil {
		e.audit(ctx, "error", key.UserID, clientIP, errors.New("no jwks entry"))
		return nil, platform.E(platform.KindInternal, "no signing key available")
	}

	privPEM, err := e.cipher.Decrypt(latest.PrivateKeyEnc)
	if err != nil {
		e.audit(ctx, "error", key.UserID, clientIP, err)
		return nil, platform.Wrap(platform.KindInternal, "decrypt signing key", err)
	}
	priv, err := decodePrivateKeyPEM(privPEM)
	if err != nil {
		e.audit(ctx, "error", key.UserID, clientIP, err)
		return nil, platform.Wrap(platform.KindInternal, "decode signing key", err)
	}

	now := e.clock().UTC()
	expiresAt := now.Add(TokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key.UserID,
			Issuer:    e.issuer,
			Audience:  jwt.ClaimStrings{e.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Scope:        ExchangeScope,
		APIKeyID:     key.ID,
		Permissions:  resolution.Permissions,
		AbacRequired: resolution.AbacRequired,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = latest.ID
	signed, err := token.SignedString(priv)
	if err != nil {
		e.audit(ctx, "error", key.UserID, clientIP, err)
		return nil, platform.Wrap(platform.KindInternal, "sign token", err)
	}

	e.audit(ctx, "issued", key.UserID, clientIP, nil)
	e.sink.Count(ctx, "credential.exchange", 1, attribute.String("outcome", "issued"))
	e.sink.Duration(ctx, "credential.exchange", time.Since(start))

	return &TokenResponse{
		Token:     signed,
		TokenType: "Bearer",
		ExpiresIn: int(TokenTTL.Seconds()),
		ExpiresAt: expiresAt,
	}, nil
}

func (e *Exchanger) audit(ctx context.Context, outcome, userID, clientIP string, err error) {
	attrs := []any{"outcome", outcome, "ip", clientIP}
	if userID != "" {
		attrs = append(attrs, "user_id", userID)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		e.sink.Count(ctx, "credential.exchange", 1, attribute.String("outcome", outcome))
	}
	e.logger.Info("api key exchange", attrs...)
}
