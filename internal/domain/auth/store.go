package auth

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for key and workspace lookup.
var (
	// ErrKeyNotFound is returned when no key record matches a hash.
	ErrKeyNotFound = errors.New("access key not found")
	// ErrWorkspaceNotFound is returned when a key references a missing
	// or soft-deleted workspace.
	ErrWorkspaceNotFound = errors.New("workspace not found")
)

// KeyStore provides access key lookup for authentication.
// Implementations: sqlite (prod), in-memory (tests/dev).
type KeyStore interface {
	// GetByHash retrieves a key record by its SHA-256 hex hash.
	// Returns ErrKeyNotFound when no live record matches.
	GetByHash(ctx context.Context, keyHash string) (*AgentAccessKey, error)

	// ListKeys returns all live key records, for iteration-based
	// verification of Argon2id hashes.
	ListKeys(ctx context.Context) ([]*AgentAccessKey, error)

	// TouchUsage records a successful authentication: sets last_used_at
	// and increments usage_count. Runs off the hot path.
	TouchUsage(ctx context.Context, keyID string, usedAt time.Time) error
}

// WorkspaceStore resolves the workspace an access key belongs to.
type WorkspaceStore interface {
	// GetWorkspace retrieves a live workspace by ID.
	// Returns ErrWorkspaceNotFound when no live row matches.
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
}
