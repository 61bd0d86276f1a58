package credential

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authcore-labs/authcore/pkg/platform"
)

// TokenVerifier validates exchanged tokens. The kid header selects the
// verifying key among all retained JWKS entries, so tokens signed under
// a rotated-out-but-retained key still verify.
type TokenVerifier struct {
	jwks JWKSStore
}

func NewTokenVerifier(jwks JWKSStore) *TokenVerifier {
	return &TokenVerifier{jwks: jwks}
}

// Keyfunc resolves the verifying public key from the token header.
func (v *TokenVerifier) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		entries, err := v.jwks.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("load jwks entries: %w", err)
		}
		for _, e := range entries {
			if e.ID == kid {
				return decodePublicKeyPEM(e.PublicKeyPEM)
			}
		}
		return nil, fmt.Errorf("key not found: %s", kid)
	}
}

// Verify parses and validates a compact token, returning its claims.
func (v *TokenVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.Keyfunc(ctx),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, platform.Wrap(platform.KindUnauthenticated, "invalid token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, platform.E(platform.KindUnauthenticated, "invalid token")
	}
	return claims, nil
}

// JWKSDocument renders the public JWKS in RFC 7517 form for third-party
// verification.
func (v *TokenVerifier) JWKSDocument(ctx context.Context) (map[string]any, error) {
	entries, err := v.jwks.All(ctx)
	if err != nil {
		return nil, platform.Wrap(platform.KindStorageError, "load jwks entries", err)
	}

	keys := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		pub, err := decodePublicKeyPEM(e.PublicKeyPEM)
		if err != nil {
			return nil, platform.Wrap(platform.KindInternal, "decode public key", err)
		}
		keys = append(keys, map[string]any{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": e.ID,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return map[string]any{"keys": keys}, nil
}
