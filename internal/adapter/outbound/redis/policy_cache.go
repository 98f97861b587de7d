package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"time"

	"github.com/cespare/xxhash/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
	"github.com/cerberus-gate/cerberus/internal/domain/policy"
)

// invalidateChannel carries cross-instance policy invalidation messages.
const invalidateChannel = "policy:invalidate"

// PolicyCache memoises resolved effective policy sets in Redis with a
// short TTL. Writers publish invalidations on a pub/sub channel so every
// gateway instance drops its entry without waiting for the TTL.
type PolicyCache struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

var _ policy.Cache = (*PolicyCache)(nil)

// NewPolicyCache wraps a Redis client as a policy cache.
func NewPolicyCache(client goredis.UniversalClient, logger *slog.Logger) *PolicyCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyCache{client: client, logger: logger}
}

// cacheKey derives the Redis key for a scope triple. The triple is hashed
// so tenant-supplied identifiers cannot produce oversized or malformed
// keys.
func cacheKey(tenantID, workspaceID, agentID string) string {
	h := xxhash.New()
	h.WriteString(tenantID)
	h.Write([]byte{0})
	h.WriteString(workspaceID)
	h.Write([]byte{0})
	h.WriteString(agentID)
	return fmt.Sprintf("policy:effective:%016x", h.Sum64())
}

// invalidation is the pub/sub message payload.
type invalidation struct {
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id"`
}

// Get returns the cached set for a scope triple, or (nil, nil) on miss.
func (c *PolicyCache) Get(ctx context.Context, tenantID, workspaceID, agentID string) (*governance.EffectivePolicySet, error) {
	raw, err := c.client.Get(ctx, cacheKey(tenantID, workspaceID, agentID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var set governance.EffectivePolicySet
	if err := json.Unmarshal(raw, &set); err != nil {
		// A corrupt entry behaves like a miss; the resolver recomputes.
		c.logger.Warn("dropping corrupt policy cache entry", "error", err)
		return nil, nil
	}
	return &set, nil
}

// Set stores a resolved set under the scope triple with the given TTL.
func (c *PolicyCache) Set(ctx context.Context, tenantID, workspaceID, agentID string, set *governance.EffectivePolicySet, ttl time.Duration) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(tenantID, workspaceID, agentID), raw, ttl).Err()
}

// Invalidate drops the cached set and publishes the invalidation so other
// gateway instances drop theirs too.
func (c *PolicyCache) Invalidate(ctx context.Context, tenantID, workspaceID, agentID string) error {
	if err := c.client.Del(ctx, cacheKey(tenantID, workspaceID, agentID)).Err(); err != nil {
		return err
	}
	msg, err := json.Marshal(invalidation{
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
	})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, invalidateChannel, msg).Err()
}

// ListenInvalidations subscribes to the invalidation channel and drops the
// named entries until ctx is cancelled. Blocks; run in a goroutine.
func (c *PolicyCache) ListenInvalidations(ctx context.Context) {
	sub := c.client.Subscribe(ctx, invalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				c.logger.Warn("ignoring malformed invalidation message", "error", err)
				continue
			}
			if err := c.client.Del(ctx, cacheKey(inv.TenantID, inv.WorkspaceID, inv.AgentID)).Err(); err != nil {
				c.logger.Warn("policy cache invalidation failed",
					"tenant_id", inv.TenantID, "error", err)
			}
		}
	}
}
