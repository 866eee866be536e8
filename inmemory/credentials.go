package inmemory

import (
	"context"
	"fmt"
	"time"

	"github.com/roxdb/rox"
)

// CredentialProvider is a static-token rox.CredentialProvider for dev and tests.
// An empty Token accepts any credentials.
type CredentialProvider struct {
	Token string
	// SessionDuration bounds issued sessions; defaults to one hour.
	SessionDuration time.Duration
}

// Authenticate issues a session when the supplied secret matches the static token.
func (p CredentialProvider) Authenticate(ctx context.Context, creds rox.Credentials) (rox.Session, error) {
	if p.Token != "" && creds.Secret != p.Token {
		return rox.Session{}, rox.Error{Code: rox.Authentication, Err: fmt.Errorf("invalid token for principal %s", creds.Principal)}
	}
	d := p.SessionDuration
	if d <= 0 {
		d = time.Hour
	}
	return rox.Session{
		ID:        rox.NewUUID(),
		Principal: creds.Principal,
		ExpiresAt: time.Now().Add(d),
	}, nil
}
