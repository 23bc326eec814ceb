package privatechat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrKeyNotFound is returned by a KVStore for a missing key.
var ErrKeyNotFound = errors.New("privatechat: key not found")

// Offline cache keys.
const (
	KeyConversationList         = "offline:conversations"
	KeyConversationDetailPrefix = "offline:conversation:"
	KeyUserData                 = "offline:user"
	KeySignatures               = "offline:signatures"
)

func detailKey(conversationID string) string {
	return KeyConversationDetailPrefix + conversationID
}

// ============================================================================
// Storage
// ============================================================================

// KVStore is a string-keyed blob store. Implementations must be safe for
// concurrent use.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore is a KVStore held in memory. It is lost on exit.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value under key.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys lists the stored keys that start with prefix.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ============================================================================
// Offline Cache
// ============================================================================

// OfflineCache persists snapshots for offline reads. Every failure is logged
// and reported as a miss; nothing is returned to the caller as an error.
type OfflineCache struct {
	store KVStore
	log   zerolog.Logger
}

// NewOfflineCache wraps store. A nil logger discards output.
func NewOfflineCache(store KVStore, logger *zerolog.Logger) *OfflineCache {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &OfflineCache{
		store: store,
		log:   logger.With().Str("component", "offline_cache").Logger(),
	}
}

func (c *OfflineCache) put(ctx context.Context, key string, v any) {
	if c == nil || c.store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to encode offline cache value")
		return
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to persist offline cache value")
	}
}

func (c *OfflineCache) get(ctx context.Context, key string, v any) bool {
	if c == nil || c.store == nil {
		return false
	}
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			c.log.Warn().Err(err).Str("key", key).Msg("failed to read offline cache value")
		}
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to parse offline cache value")
		return false
	}
	return true
}

func (c *OfflineCache) remove(ctx context.Context, key string) {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to remove offline cache value")
	}
}

// SaveConversationList replaces the stored conversation list.
func (c *OfflineCache) SaveConversationList(ctx context.Context, list []ConversationInfo) {
	c.put(ctx, KeyConversationList, list)
}

// GetConversationList returns the stored list and whether one exists.
func (c *OfflineCache) GetConversationList(ctx context.Context) ([]ConversationInfo, bool) {
	var list []ConversationInfo
	ok := c.get(ctx, KeyConversationList, &list)
	return list, ok
}

// SaveConversationDetail stores a full snapshot of conv under its id.
func (c *OfflineCache) SaveConversationDetail(ctx context.Context, conv *Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}
	c.put(ctx, detailKey(conv.ID), conv)
}

// GetConversationDetail returns the stored snapshot of a conversation.
func (c *OfflineCache) GetConversationDetail(ctx context.Context, conversationID string) (*Conversation, bool) {
	var conv Conversation
	if !c.get(ctx, detailKey(conversationID), &conv) {
		return nil, false
	}
	return &conv, true
}

// HasConversationDetail reports whether a detail snapshot exists.
func (c *OfflineCache) HasConversationDetail(ctx context.Context, conversationID string) bool {
	if c == nil || c.store == nil {
		return false
	}
	_, err := c.store.Get(ctx, detailKey(conversationID))
	return err == nil
}

// SaveUserData stores the signed-in user profile.
func (c *OfflineCache) SaveUserData(ctx context.Context, user *User) {
	if user == nil {
		return
	}
	c.put(ctx, KeyUserData, user)
}

// GetUserData returns the stored user profile.
func (c *OfflineCache) GetUserData(ctx context.Context) (*User, bool) {
	var user User
	if !c.get(ctx, KeyUserData, &user) {
		return nil, false
	}
	return &user, true
}

// SaveSignatures replaces the stored signature map, keyed by message id.
func (c *OfflineCache) SaveSignatures(ctx context.Context, sigs map[string]MessageSignature) {
	c.put(ctx, KeySignatures, sigs)
}

// GetSignatures returns the stored signatures, never nil.
func (c *OfflineCache) GetSignatures(ctx context.Context) map[string]MessageSignature {
	sigs := map[string]MessageSignature{}
	c.get(ctx, KeySignatures, &sigs)
	return sigs
}

// PutSignature adds one signature to the stored map.
func (c *OfflineCache) PutSignature(ctx context.Context, messageID string, sig MessageSignature) {
	sigs := c.GetSignatures(ctx)
	sigs[messageID] = sig
	c.SaveSignatures(ctx, sigs)
}

// ClearConversationList removes the stored list.
func (c *OfflineCache) ClearConversationList(ctx context.Context) {
	c.remove(ctx, KeyConversationList)
}

// ClearConversationDetails removes every per-conversation snapshot.
func (c *OfflineCache) ClearConversationDetails(ctx context.Context) {
	if c == nil || c.store == nil {
		return
	}
	keys, err := c.store.Keys(ctx, KeyConversationDetailPrefix)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to clear offline conversation cache")
		return
	}
	for _, k := range keys {
		c.remove(ctx, k)
	}
}

// ClearUserData removes the stored user profile.
func (c *OfflineCache) ClearUserData(ctx context.Context) {
	c.remove(ctx, KeyUserData)
}

// ClearSignatures removes every stored signature.
func (c *OfflineCache) ClearSignatures(ctx context.Context) {
	c.remove(ctx, KeySignatures)
}

// ClearAll drops the list, every detail and the user data.
func (c *OfflineCache) ClearAll(ctx context.Context) {
	c.ClearConversationList(ctx)
	c.ClearConversationDetails(ctx)
	c.ClearUserData(ctx)
}
