// Package auth contains the agent access key model and the authenticator
// that turns a bearer key into a request context.
package auth

import (
	"time"
)

// Tenant is the top-level isolation boundary.
type Tenant struct {
	// ID is the unique identifier for this tenant.
	ID string
	// Name is the human-readable tenant name.
	Name string
	// CreatedAt is when the tenant was created (UTC).
	CreatedAt time.Time
	// UpdatedAt is when the tenant was last modified (UTC).
	UpdatedAt time.Time
	// DeletedAt marks soft deletion; nil for live rows.
	DeletedAt *time.Time
}

// Workspace groups agents around one upstream MCP server.
type Workspace struct {
	// ID is the unique identifier for this workspace.
	ID string
	// TenantID is the owning tenant.
	TenantID string
	// Name is the human-readable workspace name.
	Name string
	// UpstreamURL is the base URL of the workspace's MCP server.
	UpstreamURL string
	// FailMode is "closed" or "open": the degradation policy when
	// governance infrastructure is unreachable.
	FailMode string
	// DecisionTimeoutMS bounds the per-request pipeline budget.
	DecisionTimeoutMS int
	// CreatedAt is when the workspace was created (UTC).
	CreatedAt time.Time
	// UpdatedAt is when the workspace was last modified (UTC).
	UpdatedAt time.Time
	// DeletedAt marks soft deletion; nil for live rows.
	DeletedAt *time.Time
}

// DefaultDecisionTimeout applies when a workspace has no explicit budget.
const DefaultDecisionTimeout = 5 * time.Second

// DecisionTimeout returns the workspace pipeline budget as a duration.
func (w *Workspace) DecisionTimeout() time.Duration {
	if w.DecisionTimeoutMS <= 0 {
		return DefaultDecisionTimeout
	}
	return time.Duration(w.DecisionTimeoutMS) * time.Millisecond
}

// AgentAccessKey is the stored form of a long-lived bearer key. The raw
// key is never persisted: only its hash plus a plaintext prefix for
// operator-facing identification.
type AgentAccessKey struct {
	// ID is the unique identifier for this key record.
	ID string
	// KeyHash is the SHA-256 hex hash or Argon2id PHC string of the key.
	KeyHash string
	// KeyPrefix is the first characters of the raw key, kept in plaintext
	// so operators can match a leaked key to its record.
	KeyPrefix string
	// WorkspaceID is the workspace the key grants access to.
	WorkspaceID string
	// AgentID identifies the agent this key belongs to.
	AgentID string
	// AgentName is the human-readable agent label.
	AgentName string
	// IsActive is false for administratively disabled keys.
	IsActive bool
	// IsRevoked is true once the key has been revoked.
	IsRevoked bool
	// ExpiresAt is when the key expires (nil = never).
	ExpiresAt *time.Time
	// LastUsedAt is the last successful authentication (nil = never used).
	LastUsedAt *time.Time
	// UsageCount counts successful authentications.
	UsageCount int64
	// CreatedAt is when the key was created (UTC).
	CreatedAt time.Time
	// UpdatedAt is when the key was last modified (UTC).
	UpdatedAt time.Time
	// DeletedAt marks soft deletion; nil for live rows.
	DeletedAt *time.Time
}

// Usable reports whether the key authenticates at the given instant:
// active, not revoked, not expired, not soft-deleted.
func (k *AgentAccessKey) Usable(now time.Time) bool {
	if !k.IsActive || k.IsRevoked || k.DeletedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}
