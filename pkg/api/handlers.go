package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/authcore-labs/authcore/pkg/credential"
	"github.com/authcore-labs/authcore/pkg/platform"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// handleExchange implements POST /auth/api-key/exchange. The key comes
// from the x-api-key header or the request body.
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	rawKey := r.Header.Get("x-api-key")
	if rawKey == "" {
		var body struct {
			APIKey string `json:"apiKey"`
		}
		if err := decodeBody(r, &body); err == nil {
			rawKey = body.APIKey
		}
	}
	if rawKey == "" {
		WriteError(w, http.StatusBadRequest, "missing_api_key", "Provide the API key via the x-api-key header")
		return
	}

	resp, err := s.exchanger.Exchange(r.Context(), rawKey, ClientIP(r))
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

type checkPermissionRequest struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Permission string         `json:"permission"`
	Context    map[string]any `json:"context,omitempty"`
}

type checkPermissionResponse struct {
	Allowed     bool   `json:"allowed"`
	EntityType  string `json:"entityType"`
	EntityID    string `json:"entityId"`
	Permission  string `json:"permission"`
	SubjectType string `json:"subjectType"`
	SubjectID   string `json:"subjectId"`
}

// handleCheckPermission implements POST /auth/check-permission. The
// subject is the authenticated caller; either an API key or an
// exchanged bearer token authenticates.
func (s *Server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		WriteKindError(w, err)
		return
	}

	var req checkPermissionRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body")
		return
	}
	if req.EntityType == "" || req.EntityID == "" || req.Permission == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "entityType, entityId, and permission are required")
		return
	}

	allowed := s.authorizer.CheckPermission(r.Context(),
		"user", userID, req.EntityType, req.EntityID, req.Permission, req.Context)

	WriteJSON(w, http.StatusOK, checkPermissionResponse{
		Allowed:     allowed,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Permission:  req.Permission,
		SubjectType: "user",
		SubjectID:   userID,
	})
}

// handleWebhookQueue implements POST /webhooks/queue, the provider's
// signed event intake.
func (s *Server) handleWebhookQueue(w http.ResponseWriter, r *http.Request) {
	if s.ingress == nil {
		WriteError(w, http.StatusServiceUnavailable, "integration_error", "Webhook intake is not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Unreadable request body")
		return
	}
	signature := r.Header.Get("x-webhook-signature")
	if signature == "" {
		WriteError(w, http.StatusUnauthorized, "signature_invalid", "Missing x-webhook-signature header")
		return
	}

	event, err := s.ingress.Process(r.Context(), body, signature)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "eventId": event.ID})
}

// handleJWKS implements GET /.well-known/jwks.json, the public key set
// for third-party token verification.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	doc, err := s.tokens.JWKSDocument(r.Context())
	if err != nil {
		WriteKindError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate resolves the calling user from an API key or a bearer
// token.
func (s *Server) authenticate(r *http.Request) (string, error) {
	if rawKey := r.Header.Get("x-api-key"); rawKey != "" {
		key, err := s.keys.Verify(r.Context(), rawKey)
		if err != nil {
			return "", err
		}
		return key.UserID, nil
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		claims, err := s.tokens.Verify(r.Context(), strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}
	return "", credential.ErrInvalidAPIKey
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return platform.E(platform.KindInvalidRequest, "empty request body")
		}
		return platform.Wrap(platform.KindInvalidRequest, "decode request body", err)
	}
	return nil
}
