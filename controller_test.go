package privatechat

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoadedController(t *testing.T, config ControllerConfig) *SyncController {
	t.Helper()
	c := NewSyncController(nil, config)
	c.Open("conv_1", false)
	c.SetConversation(testConversation("conv_1", items(
		turn("r1", "", "hello", "hi"),
		turn("r2", "r1", "how are you", "fine"),
	)))
	t.Cleanup(c.Close)
	return c
}

func newItemsEvent(t *testing.T, conversationID string, payload any) SyncEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return SyncEvent{EventType: EventNewItems, ConversationID: conversationID, Items: raw}
}

// ============================================================================
// new_items
// ============================================================================

func TestSyncController_MergeIsIdempotent(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	payload := turn("r3", "r2", "next", "ok")

	assert.Equal(t, 2, c.MergeItems(payload))
	once := c.State()
	assert.Equal(t, 0, c.MergeItems(payload))
	twice := c.State()

	assert.Same(t, once, twice)
	assert.Equal(t, 6, twice.Graph.ItemCount())
	assert.Equal(t, "a_r3", twice.Conversation.LastID)
	assert.Equal(t, []string{"r1", "r2", "r3"}, twice.Batch)
}

func TestSyncController_LateDuplicateEvent(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	before := c.State()

	c.HandleEvent(newItemsEvent(t, "conv_1", []ConversationItem{assistantItem("a_r1", "r1", "", "hi")}))

	after := c.State()
	assert.Same(t, before, after)
	assert.Equal(t, before.Conversation.LastID, after.Conversation.LastID)
	assert.Len(t, after.Conversation.Data, 4)
}

func TestSyncController_MergeFollowsNewBranchTip(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	c.SelectLeaf("r1")
	require.Equal(t, []string{"r1"}, c.State().Batch)

	c.MergeItems(turn("r2b", "r1", "edited", "other"))
	s := c.State()
	assert.Equal(t, "r2b", s.CurrentMessageID, "selection is not preserved across merges")
	assert.Equal(t, []string{"r1", "r2b"}, s.Batch)
}

func TestSyncController_OptimisticItemReplaced(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})

	item, ok := c.AppendOptimistic("what now?", "")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(item.ID, TempMessageIDPrefix))
	assert.Equal(t, TempResponseID, item.ResponseID)
	assert.Equal(t, "r2", item.PreviousResponseID)

	s := c.State()
	assert.Equal(t, []string{"r1", "r2", TempResponseID}, s.Batch)
	assert.Equal(t, NodeInput, mustNode(t, s.Graph, TempResponseID).Status)

	c.MergeItems(turn("r3", "r2", "what now?", "this"))
	s = c.State()
	assert.False(t, s.Graph.Has(TempResponseID))
	for _, it := range s.Conversation.Data {
		assert.NotEqual(t, TempResponseID, it.ResponseID)
	}
	assert.Equal(t, []string{"r1", "r2", "r3"}, s.Batch)
}

func TestSyncController_OptimisticDuplicateLeavesPlaceholder(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	c.AppendOptimistic("pending", "")

	// Nothing new: the placeholder must survive.
	c.MergeItems(turn("r1", "", "hello", "hi"))
	assert.True(t, c.State().Graph.Has(TempResponseID))
}

func TestSyncController_NoConversationLoaded(t *testing.T) {
	c := NewSyncController(nil, ControllerConfig{})
	assert.Equal(t, 0, c.MergeItems(turn("r1", "", "a", "b")))
	_, ok := c.AppendOptimistic("x", "")
	assert.False(t, ok)
	assert.Nil(t, c.SelectLeaf("r1"))
	assert.Equal(t, StateDisconnected, c.ConnectionState())
}

func TestSyncController_IgnoresOtherConversations(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	before := c.State()
	c.HandleEvent(newItemsEvent(t, "conv_other", turn("rx", "", "a", "b")))
	assert.Same(t, before, c.State())

	c.SetConversation(testConversation("conv_other", nil))
	assert.Same(t, before, c.State())
}

func TestSyncController_SetConversationKeepsRacedItems(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	c.MergeItems(turn("r3", "r2", "live", "item"))
	c.SelectLeaf("r2")

	// A fetch that started before the merge does not know r3.
	c.SetConversation(testConversation("conv_1", items(
		turn("r1", "", "hello", "hi"),
		turn("r2", "r1", "how are you", "fine"),
	)))
	s := c.State()
	assert.True(t, s.Graph.Has("r3"))
	assert.Equal(t, "r2", s.CurrentMessageID)
}

func TestSyncController_OpenSwitchResetsState(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	c.Open("conv_1", false)
	assert.NotNil(t, c.State())
	c.Open("conv_2", false)
	assert.Nil(t, c.State())
}

func TestSyncController_SelectBranch(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	c.MergeItems(turn("r2b", "r1", "edited", "x"))

	var got []*ConversationState
	c.OnChange(func(s *ConversationState) { got = append(got, s) })

	s := c.SelectBranch("r2")
	assert.Equal(t, []string{"r1", "r2"}, s.Batch)
	c.SelectLeaf("missing")
	assert.Len(t, got, 1, "no-op selection publishes nothing")
}

func TestSyncController_MetricsAndPanickingListener(t *testing.T) {
	m := NewMetrics(nil)
	c := newLoadedController(t, ControllerConfig{Metrics: m})
	c.OnChange(func(*ConversationState) { panic("listener bug") })

	assert.NotPanics(t, func() {
		c.MergeItems(items(turn("r3", "r2", "a", "b"), turn("r1", "", "hello", "hi")))
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsMerged))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsDuplicate))

	c.HandleEvent(SyncEvent{EventType: EventNewItems, ConversationID: "conv_1", Items: json.RawMessage(`"nope"`)})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))
}

// ============================================================================
// response_created & typing
// ============================================================================

func TestSyncController_ResponseCreatedInvalidates(t *testing.T) {
	inv := &recordingInvalidator{}
	c := newLoadedController(t, ControllerConfig{Invalidator: inv})
	before := c.State()

	c.HandleEvent(SyncEvent{EventType: EventResponseCreated, ConversationID: "conv_1", ResponseID: "r9"})
	assert.Equal(t, []string{"conv_1"}, inv.got())
	assert.Same(t, before, c.State(), "the turn is not synthesized from the hint")
}

func TestSyncController_Typing(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{UserID: "me", TypingTimeout: 40 * time.Millisecond})

	var mu sync.Mutex
	var last []TypingEntry
	c.OnTyping(func(e []TypingEntry) {
		mu.Lock()
		last = e
		mu.Unlock()
	})

	c.HandleEvent(SyncEvent{EventType: EventTyping, ConversationID: "conv_1", UserID: "me", UserName: "Me"})
	assert.Empty(t, c.TypingUsers(), "own typing is ignored")

	c.HandleEvent(SyncEvent{EventType: EventTyping, ConversationID: "conv_1", UserID: "bob", UserName: "Bob"})
	typing := c.TypingUsers()
	require.Len(t, typing, 1)
	assert.Equal(t, "Bob", typing[0].UserName)
	assert.False(t, typing[0].ExpiresAt.IsZero())
	mu.Lock()
	assert.Equal(t, "Bob is typing...", TypingSummary(last))
	mu.Unlock()

	require.Eventually(t, func() bool { return len(c.TypingUsers()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSyncController_UnknownAndPongEvents(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	before := c.State()
	c.HandleEvent(SyncEvent{EventType: EventPong})
	c.HandleEvent(SyncEvent{EventType: "something_new"})
	assert.Same(t, before, c.State())
}

// ============================================================================
// NormalizeItems
// ============================================================================

func TestNormalizeItems(t *testing.T) {
	item := `{"type":"message","id":"m1","response_id":"r1","role":"user","next_response_ids":[]}`

	cases := []struct {
		name string
		raw  string
		ids  []string
	}{
		{"bare array", `[` + item + `]`, []string{"m1"}},
		{"data wrapper", `{"data":[` + item + `]}`, []string{"m1"}},
		{"items wrapper", `{"items":[` + item + `]}`, []string{"m1"}},
		{"single object", item, []string{"m1"}},
		{"empty array", `[]`, nil},
		{"null", `null`, nil},
		{"absent", ``, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeItems(json.RawMessage(tc.raw))
			require.NoError(t, err)
			var ids []string
			for _, it := range got {
				ids = append(ids, it.ID)
			}
			assert.Equal(t, tc.ids, ids)
		})
	}

	for _, bad := range []string{`"text"`, `42`, `[1,2]`, `{"data":`} {
		_, err := NormalizeItems(json.RawMessage(bad))
		assert.Error(t, err, bad)
	}
}

func mustNode(t *testing.T, g *ResponseGraph, id string) ResponseNode {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, id)
	return n
}

func TestSyncController_OptimisticFirstMessage(t *testing.T) {
	c := NewSyncController(nil, ControllerConfig{})
	c.Open("new_chat", false)
	s := c.SetConversation(NewEmptyConversation("new_chat", 1700000000))
	require.NotNil(t, s)
	assert.Empty(t, s.Batch)
	assert.Equal(t, DefaultConversationTitle, s.Conversation.Info().Title())

	item, ok := c.AppendOptimistic("first question", "")
	require.True(t, ok)
	assert.Empty(t, item.PreviousResponseID)
	assert.Equal(t, []string{TempResponseID}, c.State().Batch)
}

func TestSyncController_SecondOptimisticSendKeepsHistory(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})

	_, ok := c.AppendOptimistic("first", "")
	require.True(t, ok)
	second, ok := c.AppendOptimistic("second", "")
	require.True(t, ok)

	assert.Equal(t, "r2", second.PreviousResponseID)
	s := c.State()
	assert.Equal(t, []string{"r1", "r2", TempResponseID}, s.Batch)
	assert.Equal(t, "r2", mustNode(t, s.Graph, TempResponseID).ParentResponseID)

	// An explicit placeholder parent is resolved the same way.
	third, _ := c.AppendOptimistic("third", TempResponseID)
	assert.Equal(t, "r2", third.PreviousResponseID)
}

func TestSyncController_RefetchClearsEchoedPlaceholder(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	c.AppendOptimistic("next", "r2")
	require.True(t, c.State().Graph.Has(TempResponseID))

	s := c.SetConversation(testConversation("conv_1", items(
		turn("r1", "", "hello", "hi"),
		turn("r2", "r1", "how are you", "fine"),
		turn("r3", "r2", "next", "answer"),
	)))
	assert.False(t, s.Graph.Has(TempResponseID))
	assert.Equal(t, []string{"r1", "r2", "r3"}, s.Batch)
	r2 := mustNode(t, s.Graph, "r2")
	assert.Equal(t, []string{"r3"}, r2.NextResponseIDs)
}

func TestSyncController_RefetchKeepsPendingPlaceholder(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	c.AppendOptimistic("still sending", "r2")

	s := c.SetConversation(testConversation("conv_1", items(
		turn("r1", "", "hello", "hi"),
		turn("r2", "r1", "how are you", "fine"),
	)))
	assert.True(t, s.Graph.Has(TempResponseID), "not echoed yet")
	assert.Equal(t, []string{"r1", "r2", TempResponseID}, s.Batch)
}

func TestSyncController_RefetchIsAuthoritativeForKnownResponses(t *testing.T) {
	c := newLoadedController(t, ControllerConfig{})
	c.MergeItems([]ConversationItem{
		{Type: ItemTypeReasoning, ID: "rs2", ResponseID: "r2", PreviousResponseID: "r1"},
	})
	require.True(t, c.State().Graph.HasItem("rs2"))

	s := c.SetConversation(testConversation("conv_1", items(
		turn("r1", "", "hello", "hi"),
		turn("r2", "r1", "how are you", "fine"),
	)))
	assert.False(t, s.Graph.HasItem("rs2"))
	assert.Len(t, s.Conversation.Data, 4)
}
