// Package rox defines the core interfaces, types, and helpers used across the ROX codebase.
// ROX is a reactive, transactionally-consistent local object store: an in-process record
// set kept in sync with a remote replica, with change listeners firing for local commits
// and inbound replica deltas alike.
//
// This package holds the shared value types (UUID, Error, Schema, Delta), the external
// collaborator contracts (CredentialProvider, Transport, Persistence) and small helpers
// (retry, task runner, marshaling, logging). The engine itself lives in the store
// subpackage; concrete collaborators live in subpackages such as redis (replica
// transport), fs (local persistence file), auth (credential verification), inmemory
// (loopback transport for single-process setups and tests) and inredis (wiring).
package rox

// Commit/notification model
//
// All mutations happen inside a single open transaction per store. A commit makes its
// mutations visible atomically, then publishes one change event on the store's internal
// bus. Observable collections consume bus events on a single dispatcher goroutine, so
// listener callbacks for a collection are serialized and delivered in commit order.
// Inbound replica deltas are folded through the same bus, so an observer cannot tell
// a remote-origin change from a local one.
