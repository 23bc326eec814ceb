package privatechat

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// Item builders
// ============================================================================

func userItem(id, responseID, previousID, text string) ConversationItem {
	return ConversationItem{
		Type:               ItemTypeMessage,
		ID:                 id,
		ResponseID:         responseID,
		PreviousResponseID: previousID,
		NextResponseIDs:    []string{},
		Role:               RoleUser,
		Status:             ItemStatusCompleted,
		Content:            []ContentItem{{Type: ContentInputText, Text: text}},
	}
}

func assistantItem(id, responseID, previousID, text string) ConversationItem {
	return ConversationItem{
		Type:               ItemTypeMessage,
		ID:                 id,
		ResponseID:         responseID,
		PreviousResponseID: previousID,
		NextResponseIDs:    []string{},
		Role:               RoleAssistant,
		Status:             ItemStatusCompleted,
		Content:            []ContentItem{{Type: ContentOutputText, Text: text}},
	}
}

// turn builds a prompt plus answer sharing one response id.
func turn(responseID, previousID, prompt, answer string) []ConversationItem {
	return []ConversationItem{
		userItem("u_"+responseID, responseID, previousID, prompt),
		assistantItem("a_"+responseID, responseID, previousID, answer),
	}
}

func items(groups ...[]ConversationItem) []ConversationItem {
	var out []ConversationItem
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func testConversation(id string, data []ConversationItem) *Conversation {
	return &Conversation{
		ID:        id,
		Object:    "conversation",
		CreatedAt: 1700000000,
		Metadata:  map[string]string{MetadataTitle: "Test"},
		Data:      data,
	}
}

// ============================================================================
// Fake conversation source
// ============================================================================

type fakeSource struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	failing       map[string]bool
	listErr       error
	detailCalls   []string
	inFlight      int
	maxInFlight   int
	hold          chan struct{}
}

func newFakeSource(convs ...*Conversation) *fakeSource {
	s := &fakeSource{
		conversations: map[string]*Conversation{},
		failing:       map[string]bool{},
	}
	for _, c := range convs {
		s.conversations[c.ID] = c
	}
	return s
}

func (s *fakeSource) ListConversations(context.Context) ([]ConversationInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []ConversationInfo
	for _, c := range s.conversations {
		out = append(out, c.Info())
	}
	return out, nil
}

func (s *fakeSource) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	s.detailCalls = append(s.detailCalls, id)
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	hold := s.hold
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if s.failing[id] {
		return nil, &APIError{StatusCode: 500, Message: "boom"}
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	detail := c.clone()
	detail.Data = nil
	return &detail, nil
}

func (s *fakeSource) GetConversationItems(_ context.Context, id string) (*ConversationItemsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[id] {
		return nil, &APIError{StatusCode: 500, Message: "boom"}
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	cp := c.clone()
	page := &ConversationItemsPage{Object: "list", Data: cp.Data}
	if n := len(cp.Data); n > 0 {
		page.FirstID, page.LastID = cp.Data[0].ID, cp.Data[n-1].ID
	}
	return page, nil
}

func (s *fakeSource) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.detailCalls...)
}

// recordingInvalidator records invalidated conversation ids.
type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recordingInvalidator) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}
