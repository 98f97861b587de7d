package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// ErrUnauthorized is returned for every authentication failure: missing or
// malformed header, unknown key, inactive, revoked, or expired key. The
// cause is logged but never surfaced to the client.
var ErrUnauthorized = errors.New("unauthorized")

// touchTimeout bounds the background usage update.
const touchTimeout = 5 * time.Second

// Authenticator validates bearer keys and derives the request context.
type Authenticator struct {
	keys       KeyStore
	workspaces WorkspaceStore
	logger     *slog.Logger
	clock      func() time.Time

	// touchDone, when set, is signalled after each background usage
	// update. Tests use it to wait for the fire-and-forget write.
	touchDone chan struct{}
}

// NewAuthenticator builds an Authenticator over the given stores.
func NewAuthenticator(keys KeyStore, workspaces WorkspaceStore, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		keys:       keys,
		workspaces: workspaces,
		logger:     logger,
		clock:      time.Now,
	}
}

// Authenticate resolves an Authorization header into a RequestContext.
//
// The SHA-256 hash of the token is tried first as an indexed lookup; on a
// miss, stored Argon2id hashes are verified by iteration. A usable key is
// joined to its workspace for the upstream URL and fail mode. The usage
// update is fire-and-forget: it never blocks or fails the request.
func (a *Authenticator) Authenticate(ctx context.Context, requestID, authorization string) (*governance.RequestContext, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}

	key, err := a.lookup(ctx, token)
	if err != nil {
		return nil, err
	}

	now := a.clock().UTC()
	if !key.Usable(now) {
		a.logger.Info("rejected unusable access key",
			"key_id", key.ID,
			"active", key.IsActive,
			"revoked", key.IsRevoked)
		return nil, ErrUnauthorized
	}

	ws, err := a.workspaces.GetWorkspace(ctx, key.WorkspaceID)
	if err != nil {
		a.logger.Error("access key references unknown workspace",
			"key_id", key.ID,
			"workspace_id", key.WorkspaceID,
			"error", err)
		return nil, ErrUnauthorized
	}

	a.touchUsageAsync(key.ID, now)

	failMode := governance.FailClosed
	if ws.FailMode == string(governance.FailOpen) {
		failMode = governance.FailOpen
	}

	return &governance.RequestContext{
		RequestID:       requestID,
		TenantID:        ws.TenantID,
		WorkspaceID:     ws.ID,
		AgentID:         key.AgentID,
		AgentName:       key.AgentName,
		UpstreamURL:     ws.UpstreamURL,
		FailMode:        failMode,
		DecisionTimeout: ws.DecisionTimeout(),
		ReceivedAt:      now,
	}, nil
}

// lookup finds the key record for a raw token: indexed SHA-256 first,
// then Argon2id verification over all stored keys.
func (a *Authenticator) lookup(ctx context.Context, token string) (*AgentAccessKey, error) {
	key, err := a.keys.GetByHash(ctx, HashKey(token))
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		a.logger.Error("key lookup failed", "error", err)
		return nil, ErrUnauthorized
	}

	candidates, err := a.keys.ListKeys(ctx)
	if err != nil {
		a.logger.Error("key list failed during fallback verification", "error", err)
		return nil, ErrUnauthorized
	}
	for _, candidate := range candidates {
		if DetectHashType(candidate.KeyHash) != "argon2id" {
			continue
		}
		match, verifyErr := VerifyKey(token, candidate.KeyHash)
		if verifyErr != nil {
			continue
		}
		if match {
			return candidate, nil
		}
	}

	return nil, ErrUnauthorized
}

// touchUsageAsync updates last_used_at and usage_count on a background
// goroutine with its own deadline.
func (a *Authenticator) touchUsageAsync(keyID string, usedAt time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := a.keys.TouchUsage(ctx, keyID, usedAt); err != nil {
			a.logger.Warn("usage update failed", "key_id", keyID, "error", err)
		}
		if a.touchDone != nil {
			a.touchDone <- struct{}{}
		}
	}()
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) (string, bool) {
	const scheme = "Bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	token := strings.TrimSpace(header[len(scheme):])
	return token, token != ""
}
