package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/authcore-labs/authcore/pkg/platform"
	"github.com/authcore-labs/authcore/pkg/vault"
)

// EndpointService manages endpoint registration. Signing secrets are
// encrypted at rest and only surfaced once, at creation.
type EndpointService struct {
	endpoints EndpointStore
	cipher    *vault.Cipher
	clock     func() time.Time
}

func NewEndpointService(endpoints EndpointStore, cipher *vault.Cipher) *EndpointService {
	return &EndpointService{endpoints: endpoints, cipher: cipher, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *EndpointService) WithClock(clock func() time.Time) *EndpointService {
	s.clock = clock
	return s
}

// CreateInput describes a new endpoint.
type CreateInput struct {
	UserID         string
	Name           string
	URL            string
	Method         string
	DeliveryFormat DeliveryFormat
	RetryPolicy    RetryPolicy
	EventTypes     []string
}

// Create registers an endpoint and returns it with the one-time
// plaintext signing secret.
func (s *EndpointService) Create(ctx context.Context, in CreateInput) (*Endpoint, string, error) {
	if err := validateCreate(&in); err != nil {
		return nil, "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", platform.Wrap(platform.KindInternal, "generate endpoint secret", err)
	}
	secret := "whsec_" + hex.EncodeToString(raw)
	enc, err := s.cipher.Encrypt(secret)
	if err != nil {
		return nil, "", platform.Wrap(platform.KindInternal, "encrypt endpoint secret", err)
	}

	ep := &Endpoint{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		Name:           in.Name,
		URL:            in.URL,
		Method:         in.Method,
		DeliveryFormat: in.DeliveryFormat,
		RetryPolicy:    in.RetryPolicy,
		SecretEnc:      enc,
		Active:         true,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.endpoints.Upsert(ctx, ep); err != nil {
		return nil, "", platform.Wrap(platform.KindStorageError, "store endpoint", err)
	}
	if len(in.EventTypes) > 0 {
		if err := s.endpoints.SetSubscriptions(ctx, ep.ID, in.EventTypes); err != nil {
			return nil, "", platform.Wrap(platform.KindStorageError, "store subscriptions", err)
		}
	}
	return ep, secret, nil
}

// SetActive flips an endpoint's active flag. Inactive endpoints are
// skipped at fan-out; existing deliveries keep retrying.
func (s *EndpointService) SetActive(ctx context.Context, id string, active bool) error {
	ep, err := s.endpoints.Get(ctx, id)
	if err != nil {
		return platform.Wrap(platform.KindStorageError, "load endpoint", err)
	}
	if ep == nil {
		return platform.E(platform.KindNotFound, fmt.Sprintf("endpoint %s not found", id))
	}
	ep.Active = active
	if err := s.endpoints.Upsert(ctx, ep); err != nil {
		return platform.Wrap(platform.KindStorageError, "store endpoint", err)
	}
	return nil
}

func validateCreate(in *CreateInput) error {
	if in.UserID == "" {
		return platform.E(platform.KindInvalidRequest, "endpoint user id is required")
	}
	if in.Name == "" {
		return platform.E(platform.KindInvalidRequest, "endpoint name is required")
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return platform.E(platform.KindInvalidRequest, "endpoint url must be absolute http(s)")
	}
	switch in.Method {
	case "":
		in.Method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return platform.E(platform.KindInvalidRequest, fmt.Sprintf("unsupported method %q", in.Method))
	}
	switch in.DeliveryFormat {
	case "":
		in.DeliveryFormat = FormatEnvelope
	case FormatEnvelope, FormatRaw:
	default:
		return platform.E(platform.KindInvalidRequest, fmt.Sprintf("unsupported delivery format %q", in.DeliveryFormat))
	}
	switch in.RetryPolicy {
	case "":
		in.RetryPolicy = RetryExponential
	case RetryNone, RetryExponential:
	default:
		return platform.E(platform.KindInvalidRequest, fmt.Sprintf("unsupported retry policy %q", in.RetryPolicy))
	}
	return nil
}
