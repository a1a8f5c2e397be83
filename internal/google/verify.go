// Package google validates Google ID tokens and maps them to federated
// claims. Only ID-token verification is in scope; the full OAuth2
// authorization-code flow is not.
package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"google.golang.org/api/idtoken"

	"github.com/sunkingbms/backend-main/internal/auth"
)

const defaultTimeout = 10 * time.Second

var knownIssuers = map[string]struct{}{
	"accounts.google.com":         {},
	"https://accounts.google.com": {},
}

// validateFunc matches idtoken.Validate; injectable for tests.
type validateFunc func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// Verifier validates Google ID tokens against this deployment's client id.
type Verifier struct {
	clientID string
	timeout  time.Duration
	validate validateFunc
}

// Option configures the verifier.
type Option func(*Verifier)

// WithTimeout bounds the network call to Google's certificate endpoint.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithValidator substitutes the token validation function (tests only).
func WithValidator(fn func(ctx context.Context, token, audience string) (*idtoken.Payload, error)) Option {
	return func(v *Verifier) {
		if fn != nil {
			v.validate = fn
		}
	}
}

// NewVerifier constructs a verifier for the given OAuth client id.
func NewVerifier(clientID string, opts ...Option) (*Verifier, error) {
	if clientID == "" {
		return nil, errors.New("google: client id is required")
	}
	v := &Verifier{
		clientID: clientID,
		timeout:  defaultTimeout,
		validate: idtoken.Validate,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

var _ auth.FederatedVerifier = (*Verifier)(nil)

// Verify validates signature, issuer, audience and email claims in order.
// Content failures surface auth.ErrInvalidAssertion; transport failures
// reaching Google surface auth.ErrProviderUnreachable. The caller decides
// retry policy; Verify never retries internally.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (auth.FederatedClaims, error) {
	if rawToken == "" {
		return auth.FederatedClaims{}, fmt.Errorf("%w: empty token", auth.ErrInvalidAssertion)
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	payload, err := v.validate(ctx, rawToken, v.clientID)
	if err != nil {
		if isTransportError(err) {
			return auth.FederatedClaims{}, fmt.Errorf("%w: %v", auth.ErrProviderUnreachable, err)
		}
		return auth.FederatedClaims{}, fmt.Errorf("%w: %v", auth.ErrInvalidAssertion, err)
	}
	if _, ok := knownIssuers[payload.Issuer]; !ok {
		return auth.FederatedClaims{}, fmt.Errorf("%w: unexpected issuer %s", auth.ErrInvalidAssertion, payload.Issuer)
	}
	if payload.Audience != v.clientID {
		return auth.FederatedClaims{}, fmt.Errorf("%w: audience mismatch", auth.ErrInvalidAssertion)
	}
	email, _ := payload.Claims["email"].(string)
	if email == "" {
		return auth.FederatedClaims{}, fmt.Errorf("%w: token carries no email", auth.ErrInvalidAssertion)
	}
	if verified, _ := payload.Claims["email_verified"].(bool); !verified {
		return auth.FederatedClaims{}, fmt.Errorf("%w: email is not verified", auth.ErrInvalidAssertion)
	}
	given, _ := payload.Claims["given_name"].(string)
	family, _ := payload.Claims["family_name"].(string)
	return auth.FederatedClaims{
		Subject:    payload.Subject,
		Email:      email,
		GivenName:  given,
		FamilyName: family,
	}, nil
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
