package privatechat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Invalidator drops any cached copy of a conversation so the next read
// refetches it.
type Invalidator interface {
	Invalidate(conversationID string)
}

// ControllerConfig configures a SyncController.
type ControllerConfig struct {
	// UserID is the local user; their own typing events are ignored.
	UserID        string
	TypingTimeout time.Duration
	Invalidator   Invalidator
	Logger        *zerolog.Logger
	Metrics       *Metrics
}

func (c *ControllerConfig) defaults() {
	if c.TypingTimeout == 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// SyncController owns the graph of the active conversation and folds live
// events into it. Every change publishes a new ConversationState snapshot.
type SyncController struct {
	config ControllerConfig
	log    zerolog.Logger
	conn   *SyncConnection
	typing *TypingTracker
	now    func() time.Time

	mu             sync.Mutex
	conversationID string
	state          *ConversationState

	listenersMu sync.RWMutex
	onChange    []func(*ConversationState)
	onTyping    []func([]TypingEntry)
}

// NewSyncController wires a controller to conn. conn may be nil, in which case
// the controller only handles local and REST-sourced updates.
func NewSyncController(conn *SyncConnection, config ControllerConfig) *SyncController {
	config.defaults()
	c := &SyncController{
		config: config,
		log:    config.Logger.With().Str("component", "sync_controller").Logger(),
		conn:   conn,
		now:    time.Now,
	}
	c.typing = NewTypingTracker(config.TypingTimeout, c.publishTyping)
	if conn != nil {
		conn.OnEvent(c.HandleEvent)
	}
	return c
}

// OnChange registers a handler called with every new snapshot.
func (c *SyncController) OnChange(h func(*ConversationState)) {
	c.listenersMu.Lock()
	c.onChange = append(c.onChange, h)
	c.listenersMu.Unlock()
}

// OnTyping registers a handler called whenever the typing set changes.
func (c *SyncController) OnTyping(h func([]TypingEntry)) {
	c.listenersMu.Lock()
	c.onTyping = append(c.onTyping, h)
	c.listenersMu.Unlock()
}

// Open makes conversationID the active conversation. Live sync is only used
// for shared conversations; for private ones any open socket is closed.
// Switching conversations discards the previous snapshot and typing state.
func (c *SyncController) Open(conversationID string, shared bool) {
	c.mu.Lock()
	switched := c.conversationID != conversationID
	if switched {
		c.conversationID = conversationID
		c.state = nil
	}
	c.mu.Unlock()

	if switched {
		c.typing.Reset()
	}
	if c.conn == nil {
		return
	}
	if shared && conversationID != "" {
		c.conn.Connect(conversationID)
	} else {
		c.conn.Disconnect()
	}
}

// Close disconnects and clears typing state. The last snapshot stays readable.
func (c *SyncController) Close() {
	if c.conn != nil {
		c.conn.Disconnect()
	}
	c.typing.Reset()
}

// State returns the current snapshot, or nil before a conversation is loaded.
func (c *SyncController) State() *ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TypingUsers returns the remote users currently typing.
func (c *SyncController) TypingUsers() []TypingEntry {
	return c.typing.Users()
}

// ConnectionState reports the socket state, or disconnected without a socket.
func (c *SyncController) ConnectionState() ConnectionState {
	if c.conn == nil {
		return StateDisconnected
	}
	return c.conn.State()
}

// SetConversation installs a freshly fetched conversation. The fetch is
// authoritative for every response it contains. Items of responses it does not
// contain yet were merged from the socket while the fetch was in flight and
// are kept. An optimistic placeholder is dropped once the fetch holds a user
// message with the same parent and text. The current selection is preserved
// when it still exists.
func (c *SyncController) SetConversation(conv *Conversation) *ConversationState {
	if conv == nil {
		return c.State()
	}

	c.mu.Lock()
	if c.conversationID == "" {
		c.conversationID = conv.ID
	}
	if conv.ID != c.conversationID {
		c.mu.Unlock()
		c.log.Debug().Str("conversation_id", conv.ID).Msg("ignoring fetch for inactive conversation")
		return c.State()
	}

	merged := conv.clone()
	previous := c.state
	if previous != nil {
		fetchedItems := make(map[string]bool, len(merged.Data))
		fetchedResponses := make(map[string]bool, len(merged.Data))
		echoed := make(map[string]bool)
		for _, it := range merged.Data {
			fetchedItems[it.ID] = true
			fetchedResponses[it.ResponseID] = true
			if it.Role == RoleUser {
				echoed[it.PreviousResponseID+"\x00"+it.Text()] = true
			}
		}
		for _, it := range previous.Conversation.Data {
			if fetchedItems[it.ID] {
				continue
			}
			if it.ResponseID == TempResponseID {
				if echoed[it.PreviousResponseID+"\x00"+it.Text()] {
					continue
				}
			} else if fetchedResponses[it.ResponseID] {
				continue
			}
			merged.Data = append(merged.Data, it.clone())
		}
	}
	next := BuildConversationState(&merged, previous, "")
	c.state = next
	c.mu.Unlock()

	c.publish(next)
	return next
}

// MergeItems folds live items into the graph and returns how many were new.
// Items already present are skipped, so replaying a payload is a no-op.
// Optimistic placeholders are removed when anything new arrives, and the view
// jumps to the new branch tip.
func (c *SyncController) MergeItems(items []ConversationItem) int {
	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		c.log.Debug().Int("items", len(items)).Msg("no conversation loaded, dropping live items")
		return 0
	}

	present := make(map[string]bool, len(c.state.Conversation.Data))
	for _, it := range c.state.Conversation.Data {
		present[it.ID] = true
	}

	var fresh []ConversationItem
	for _, it := range items {
		if it.ID == "" || present[it.ID] {
			continue
		}
		present[it.ID] = true
		fresh = append(fresh, it.clone())
	}
	duplicates := len(items) - len(fresh)
	if len(fresh) == 0 {
		c.mu.Unlock()
		c.config.Metrics.merged(0, duplicates)
		return 0
	}

	conv := c.state.Conversation.clone()
	kept := conv.Data[:0]
	for _, it := range conv.Data {
		if it.ResponseID != TempResponseID {
			kept = append(kept, it)
		}
	}
	conv.Data = append(kept, fresh...)
	conv.LastID = fresh[len(fresh)-1].ID

	next := BuildConversationState(&conv, nil, "")
	c.state = next
	c.mu.Unlock()

	c.config.Metrics.merged(len(fresh), duplicates)
	c.log.Debug().Int("added", len(fresh)).Int("duplicates", duplicates).Msg("merged live items")
	c.publish(next)
	return len(fresh)
}

// AppendOptimistic inserts a pending user message under previousResponseID
// (the displayed leaf when empty) and shows it immediately. The placeholder
// is replaced once the server echoes the authoritative items.
func (c *SyncController) AppendOptimistic(text, previousResponseID string) (ConversationItem, bool) {
	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return ConversationItem{}, false
	}
	if previousResponseID == "" {
		previousResponseID = c.state.CurrentMessageID
	}
	// A second send before the echo stacks onto the pending node's parent;
	// the placeholder must never become its own parent.
	if previousResponseID == TempResponseID {
		node, _ := c.state.Graph.Node(TempResponseID)
		previousResponseID = node.ParentResponseID
	}

	item := ConversationItem{
		Type:               ItemTypeMessage,
		ID:                 TempMessageIDPrefix + uuid.NewString(),
		ResponseID:         TempResponseID,
		PreviousResponseID: previousResponseID,
		NextResponseIDs:    []string{},
		CreatedAt:          c.now().Unix(),
		Status:             ItemStatusPending,
		Role:               RoleUser,
		Content:            []ContentItem{{Type: ContentInputText, Text: text}},
	}

	conv := c.state.Conversation.clone()
	conv.Data = append(conv.Data, item)
	next := BuildConversationState(&conv, c.state, TempResponseID)
	c.state = next
	c.mu.Unlock()

	c.publish(next)
	return item, true
}

// SelectLeaf displays the branch ending at responseID. Unknown ids are
// ignored.
func (c *SyncController) SelectLeaf(responseID string) *ConversationState {
	return c.update(func(s *ConversationState) *ConversationState { return s.SelectLeaf(responseID) })
}

// SelectBranch displays the deepest leaf under the sibling responseID.
func (c *SyncController) SelectBranch(responseID string) *ConversationState {
	return c.update(func(s *ConversationState) *ConversationState { return s.SelectBranch(responseID) })
}

func (c *SyncController) update(fn func(*ConversationState) *ConversationState) *ConversationState {
	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	next := fn(prev)
	c.state = next
	c.mu.Unlock()

	if next != prev {
		c.publish(next)
	}
	return next
}

// HandleEvent applies one socket event. It is registered on the connection
// and may also be called directly.
func (c *SyncController) HandleEvent(ev SyncEvent) {
	c.mu.Lock()
	active := c.conversationID
	c.mu.Unlock()
	if ev.ConversationID != "" && active != "" && ev.ConversationID != active {
		c.log.Debug().Str("event", ev.EventType).Str("conversation_id", ev.ConversationID).
			Msg("ignoring event for inactive conversation")
		return
	}

	switch ev.EventType {
	case EventNewItems:
		items, err := NormalizeItems(ev.Items)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping new_items event")
			c.config.Metrics.frameDropped()
			return
		}
		c.MergeItems(items)

	case EventResponseCreated:
		if c.config.Invalidator != nil && active != "" {
			c.config.Invalidator.Invalidate(active)
		}

	case EventTyping:
		if ev.UserID == "" || ev.UserID == c.config.UserID {
			return
		}
		c.typing.Touch(ev.UserID, ev.UserName)

	case EventPong:

	default:
		c.log.Debug().Str("event", ev.EventType).Msg("unhandled sync event")
	}
}

// NormalizeItems decodes the items field of a new_items event. The server
// sends a bare array, an object wrapping it in data or items, or a single
// item object.
func NormalizeItems(raw json.RawMessage) ([]ConversationItem, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '[':
		var items []ConversationItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode item array: %w", err)
		}
		return items, nil

	case '{':
		var wrapped struct {
			Data  *[]ConversationItem `json:"data"`
			Items *[]ConversationItem `json:"items"`
		}
		if err := json.Unmarshal(raw, &wrapped); err == nil {
			if wrapped.Data != nil {
				return *wrapped.Data, nil
			}
			if wrapped.Items != nil {
				return *wrapped.Items, nil
			}
		}
		var item ConversationItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		return []ConversationItem{item}, nil
	}
	return nil, fmt.Errorf("unexpected items payload starting with %q", raw[0])
}

func (c *SyncController) publish(s *ConversationState) {
	c.listenersMu.RLock()
	handlers := append([]func(*ConversationState){}, c.onChange...)
	c.listenersMu.RUnlock()
	for _, h := range handlers {
		c.safely(func() { h(s) })
	}
}

func (c *SyncController) publishTyping(entries []TypingEntry) {
	c.listenersMu.RLock()
	handlers := append([]func([]TypingEntry){}, c.onTyping...)
	c.listenersMu.RUnlock()
	for _, h := range handlers {
		c.safely(func() { h(entries) })
	}
}

func (c *SyncController) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("state listener panicked")
		}
	}()
	fn()
}
