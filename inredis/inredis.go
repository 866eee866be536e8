// Package inredis assembles a fully wired ROX store: Okta-verified credentials,
// a Redis-backed sync transport and a direct-IO local persistence file. It is the
// turnkey opener for applications; pieces can be swapped by calling store.Open
// directly with custom collaborators.
package inredis

import (
	"context"

	"github.com/roxdb/rox"
	"github.com/roxdb/rox/auth"
	"github.com/roxdb/rox/fs"
	"github.com/roxdb/rox/redis"
	"github.com/roxdb/rox/store"
)

// Options configures a Redis-synced store.
type Options struct {
	// Scope is the sync scope (partition), e.g. a per-user partition name.
	Scope string
	// Credentials carry the bearer access token in Secret.
	Credentials rox.Credentials
	// Redis names the replica cluster.
	Redis redis.Options
	// OktaDomain and OktaClientID configure token verification.
	OktaDomain   string
	OktaClientID string
	// StoreFilePath is the local persistence file; empty keeps records memory-only.
	StoreFilePath string
	// Schemas declares the record types this store manages.
	Schemas []rox.Schema
	// PropagationWorkers bounds concurrent outbound publishes; 0 takes the default.
	PropagationWorkers int
}

// Open establishes the sync session against Redis and returns an Open store.
func Open(ctx context.Context, opts Options) (*store.Store, error) {
	if _, err := redis.OpenConnection(opts.Redis); err != nil {
		return nil, rox.Error{Code: rox.SyncSession, Err: err, UserData: opts.Scope}
	}
	transport, err := redis.NewTransport()
	if err != nil {
		return nil, rox.Error{Code: rox.SyncSession, Err: err, UserData: opts.Scope}
	}

	var persistence rox.Persistence
	if opts.StoreFilePath != "" {
		persistence = fs.NewStoreFile(opts.StoreFilePath)
	}

	return store.Open(ctx, store.Options{
		Scope:              opts.Scope,
		Credentials:        opts.Credentials,
		Authenticator:      auth.NewOktaProvider(opts.OktaDomain, opts.OktaClientID),
		Transport:          transport,
		Persistence:        persistence,
		Schemas:            opts.Schemas,
		PropagationWorkers: opts.PropagationWorkers,
	})
}
