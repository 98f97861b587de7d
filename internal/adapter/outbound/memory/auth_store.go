// Package memory provides in-memory implementations of outbound ports.
// Thread-safe for concurrent access. For development and testing only.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/auth"
)

// AuthStore implements key and workspace lookup with in-memory maps.
type AuthStore struct {
	keys       map[string]*auth.AgentAccessKey // keyHash -> key record
	workspaces map[string]*auth.Workspace      // ID -> workspace
	mu         sync.RWMutex
}

// Compile-time interface verification.
var (
	_ auth.KeyStore       = (*AuthStore)(nil)
	_ auth.WorkspaceStore = (*AuthStore)(nil)
)

// NewAuthStore creates a new in-memory auth store.
func NewAuthStore() *AuthStore {
	return &AuthStore{
		keys:       make(map[string]*auth.AgentAccessKey),
		workspaces: make(map[string]*auth.Workspace),
	}
}

// GetByHash retrieves an access key by its hash.
// Returns auth.ErrKeyNotFound if no live record matches.
func (s *AuthStore) GetByHash(ctx context.Context, keyHash string) (*auth.AgentAccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyHash]
	if !ok || key.DeletedAt != nil {
		return nil, auth.ErrKeyNotFound
	}

	// Return a copy to prevent mutation
	keyCopy := *key
	return &keyCopy, nil
}

// ListKeys returns all live key records for iteration-based verification.
func (s *AuthStore) ListKeys(ctx context.Context) ([]*auth.AgentAccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*auth.AgentAccessKey, 0, len(s.keys))
	for _, key := range s.keys {
		if key.DeletedAt != nil {
			continue
		}
		keyCopy := *key
		result = append(result, &keyCopy)
	}
	return result, nil
}

// TouchUsage records a successful authentication on a key.
func (s *AuthStore) TouchUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.keys {
		if key.ID == keyID {
			t := usedAt
			key.LastUsedAt = &t
			key.UsageCount++
			key.UpdatedAt = usedAt
			return nil
		}
	}
	return auth.ErrKeyNotFound
}

// GetWorkspace retrieves a live workspace by ID.
// Returns auth.ErrWorkspaceNotFound if no live row matches.
func (s *AuthStore) GetWorkspace(ctx context.Context, id string) (*auth.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workspaces[id]
	if !ok || ws.DeletedAt != nil {
		return nil, auth.ErrWorkspaceNotFound
	}

	wsCopy := *ws
	return &wsCopy, nil
}

// AddKey adds an access key (for testing/seeding).
func (s *AuthStore) AddKey(key *auth.AgentAccessKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation
	keyCopy := *key
	s.keys[key.KeyHash] = &keyCopy
}

// AddWorkspace adds a workspace (for testing/seeding).
func (s *AuthStore) AddWorkspace(ws *auth.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wsCopy := *ws
	s.workspaces[ws.ID] = &wsCopy
}

// RemoveKey removes an access key by its stored hash.
func (s *AuthStore) RemoveKey(keyHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyHash)
}
