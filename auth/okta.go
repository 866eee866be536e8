// Package auth implements credential/session providers for store open. The Okta
// provider verifies OAuth2 bearer access tokens; verified tokens are cached so
// reopening a store within a session's lifetime skips the JWKS round trip.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	jwtverifier "github.com/okta/okta-jwt-verifier-golang"

	"github.com/roxdb/rox"
	"github.com/roxdb/rox/cache"
)

const defaultSessionDuration = time.Hour

// OktaProvider exchanges an Okta-issued bearer access token for a session.
// It satisfies rox.CredentialProvider.
type OktaProvider struct {
	issuer        string
	clientID      string
	audience      string
	cache         cache.Cache
	cacheDuration time.Duration
}

// NewOktaProvider instantiates a provider for the given Okta domain (e.g.
// "dev-123.okta.com") and client id. Audience defaults to "api://default".
func NewOktaProvider(domain string, clientID string) *OktaProvider {
	issuer := domain
	if !strings.HasPrefix(issuer, "https://") {
		issuer = "https://" + issuer + "/oauth2/default"
	}
	return &OktaProvider{
		issuer:        issuer,
		clientID:      clientID,
		audience:      "api://default",
		cache:         cache.NewInMemoryCache(),
		cacheDuration: defaultSessionDuration,
	}
}

// Authenticate verifies the bearer token carried in creds.Secret and returns a
// session bound to the token's subject. Fails with an Authentication coded error.
func (p *OktaProvider) Authenticate(ctx context.Context, creds rox.Credentials) (rox.Session, error) {
	token := strings.TrimPrefix(creds.Secret, "Bearer ")
	if token == "" {
		return rox.Session{}, rox.Error{Code: rox.Authentication, Err: fmt.Errorf("no bearer token supplied for principal %s", creds.Principal)}
	}

	var session rox.Session
	if found, _ := p.cache.GetStruct(ctx, token, &session); found {
		if time.Now().Before(session.ExpiresAt) {
			return session, nil
		}
		p.cache.Delete(ctx, []string{token})
	}

	verifierSetup := jwtverifier.JwtVerifier{
		Issuer: p.issuer,
		ClaimsToValidate: map[string]string{
			"aud": p.audience,
			"cid": p.clientID,
		},
	}
	verifier := verifierSetup.New()
	jwt, err := verifier.VerifyAccessToken(token)
	if err != nil {
		return rox.Session{}, rox.Error{Code: rox.Authentication, Err: err, UserData: creds.Principal}
	}

	session = rox.Session{
		ID:        rox.NewUUID(),
		Principal: creds.Principal,
		ExpiresAt: time.Now().Add(defaultSessionDuration),
	}
	if sub, ok := jwt.Claims["sub"].(string); ok && session.Principal == "" {
		session.Principal = sub
	}
	if exp, ok := jwt.Claims["exp"].(float64); ok {
		session.ExpiresAt = time.Unix(int64(exp), 0)
	}

	p.cache.SetStruct(ctx, token, session, p.cacheDuration)
	return session, nil
}
