package privatechat

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// DefaultLoaderCacheSize bounds the number of conversations kept in memory.
const DefaultLoaderCacheSize = 64

// LoaderConfig configures a ConversationLoader.
type LoaderConfig struct {
	Source ConversationSource
	// Offline, if set, receives every fetched conversation and serves reads
	// when the network fails.
	Offline   *OfflineCache
	CacheSize int
	Logger    *zerolog.Logger
}

func (c *LoaderConfig) defaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultLoaderCacheSize
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ConversationLoader is the read path for conversations: an in-memory LRU in
// front of the REST source, with the offline cache as a fallback. It
// implements Invalidator so response_created events evict stale entries.
type ConversationLoader struct {
	source  ConversationSource
	offline *OfflineCache
	cache   *lru.Cache
	log     zerolog.Logger
}

// NewConversationLoader creates a loader.
func NewConversationLoader(config LoaderConfig) (*ConversationLoader, error) {
	config.defaults()
	if config.Source == nil {
		return nil, fmt.Errorf("conversation loader: source is required")
	}
	cache, err := lru.New(config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("conversation loader: %w", err)
	}
	return &ConversationLoader{
		source:  config.Source,
		offline: config.Offline,
		cache:   cache,
		log:     config.Logger.With().Str("component", "conversation_loader").Logger(),
	}, nil
}

// Load returns a conversation with only displayable items. Cached copies are
// served without a request. When the fetch fails, the offline snapshot is
// returned instead if one exists.
func (l *ConversationLoader) Load(ctx context.Context, id string) (*Conversation, error) {
	if v, ok := l.cache.Get(id); ok {
		conv := v.(*Conversation).clone()
		return &conv, nil
	}

	conv, err := FetchConversation(ctx, l.source, id)
	if err != nil {
		if cached, ok := l.offline.GetConversationDetail(ctx, id); ok {
			l.log.Warn().Err(err).Str("conversation_id", id).Msg("serving conversation from offline cache")
			cached.Data = DisplayableItems(cached.Data)
			return cached, nil
		}
		return nil, err
	}
	// The offline snapshot keeps every item; only the display copy is filtered.
	l.offline.SaveConversationDetail(ctx, conv)

	display := conv.clone()
	display.Data = DisplayableItems(display.Data)
	l.cache.Add(id, &display)

	out := display.clone()
	return &out, nil
}

// List returns the conversation list, falling back to the offline snapshot.
func (l *ConversationLoader) List(ctx context.Context) ([]ConversationInfo, error) {
	list, err := l.source.ListConversations(ctx)
	if err != nil {
		if cached, ok := l.offline.GetConversationList(ctx); ok {
			l.log.Warn().Err(err).Msg("serving conversation list from offline cache")
			return cached, nil
		}
		return nil, err
	}
	l.offline.SaveConversationList(ctx, list)
	return list, nil
}

// Invalidate evicts id so the next Load refetches it.
func (l *ConversationLoader) Invalidate(conversationID string) {
	if l.cache.Remove(conversationID) {
		l.log.Debug().Str("conversation_id", conversationID).Msg("invalidated cached conversation")
	}
}

// Cached reports whether id is held in memory.
func (l *ConversationLoader) Cached(conversationID string) bool {
	return l.cache.Contains(conversationID)
}
