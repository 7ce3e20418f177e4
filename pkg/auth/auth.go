// Package auth provides the Authorization headers used against the platform
// services: basic credentials, OAuth2 bearer tokens and static API tokens.
package auth

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/minerlink/minerlink/pkg/errs"
)

// TokenProvider yields the Authorization header for a request. Refresh is
// called once after the server answered 401; the request is then retried
// with a fresh header.
type TokenProvider interface {
	AuthHeader(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Basic sends username and password with every request.
type Basic struct {
	Username string
	Password string
}

func (b Basic) AuthHeader(ctx context.Context) (string, error) {
	if b.Username == "" {
		return "", errs.New(errs.KindAuthenticationFailed, "username is required for basic authentication")
	}
	creds := base64.StdEncoding.EncodeToString([]byte(b.Username + ":" + b.Password))
	return "Basic " + creds, nil
}

// Refresh is a no-op; basic credentials do not expire.
func (b Basic) Refresh(ctx context.Context) error { return nil }

// APIToken sends a static token issued by the platform.
type APIToken struct {
	Token string
}

func (a APIToken) AuthHeader(ctx context.Context) (string, error) {
	if a.Token == "" {
		return "", errs.New(errs.KindAuthenticationFailed, "api token is empty")
	}
	return "Bearer " + a.Token, nil
}

// Refresh is a no-op; a rejected static token stays rejected.
func (a APIToken) Refresh(ctx context.Context) error { return nil }

// Bearer obtains access tokens from an oauth2.TokenSource. Tokens are cached
// until they expire or Refresh is called.
type Bearer struct {
	// NewSource builds the underlying token source. It is called again on
	// Refresh so that a cached token the server rejected is dropped.
	NewSource func(ctx context.Context) (oauth2.TokenSource, error)

	mu  sync.Mutex
	src oauth2.TokenSource
}

// NewBearer wraps src. Refresh re-wraps the same source, which only helps
// sources that mint a new token on each call.
func NewBearer(src oauth2.TokenSource) *Bearer {
	return &Bearer{NewSource: func(context.Context) (oauth2.TokenSource, error) { return src, nil }}
}

func (b *Bearer) AuthHeader(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.src == nil {
		if err := b.resetLocked(ctx); err != nil {
			return "", err
		}
	}
	tok, err := b.src.Token()
	if err != nil {
		return "", errs.Wrap(errs.KindAuthenticationFailed, "failed to obtain access token", err)
	}
	typ := tok.Type()
	if strings.EqualFold(typ, "bearer") {
		typ = "Bearer"
	}
	return typ + " " + tok.AccessToken, nil
}

func (b *Bearer) Refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetLocked(ctx)
}

func (b *Bearer) resetLocked(ctx context.Context) error {
	if b.NewSource == nil {
		return errs.New(errs.KindAuthenticationFailed, "no token source configured")
	}
	src, err := b.NewSource(ctx)
	if err != nil {
		return errs.Wrap(errs.KindAuthenticationFailed, "failed to create token source", err)
	}
	b.src = oauth2.ReuseTokenSource(nil, src)
	return nil
}

// KeycloakConfig describes a password grant against a Keycloak realm.
type KeycloakConfig struct {
	URL      string `yaml:"url" json:"url" validate:"required,url"`
	Realm    string `yaml:"realm" json:"realm" validate:"required"`
	ClientID string `yaml:"client_id" json:"client_id" validate:"required"`
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password"`
}

// TokenURL is the realm's OpenID Connect token endpoint.
func (c KeycloakConfig) TokenURL() string {
	return strings.TrimSuffix(c.URL, "/") + "/realms/" + c.Realm + "/protocol/openid-connect/token"
}

// NewKeycloak returns a provider that logs in with the resource owner
// password grant and refreshes with the returned refresh token. Refresh
// logs in again.
func NewKeycloak(cfg KeycloakConfig) *Bearer {
	oc := &oauth2.Config{
		ClientID: cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return &Bearer{NewSource: func(ctx context.Context) (oauth2.TokenSource, error) {
		tok, err := oc.PasswordCredentialsToken(ctx, cfg.Username, cfg.Password)
		if err != nil {
			return nil, err
		}
		return oc.TokenSource(context.WithoutCancel(ctx), tok), nil
	}}
}
