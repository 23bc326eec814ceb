package privatechat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

// APIError is returned when the chat API answers with a non-2xx status.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chat api: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chat api: HTTP %d: %s", e.StatusCode, e.Body)
}

// ============================================================================
// Conversation Items
// ============================================================================

// Wire values of ConversationItem.Type.
const (
	ItemTypeMessage       = "message"
	ItemTypeReasoning     = "reasoning"
	ItemTypeWebSearchCall = "web_search_call"
)

// Wire values of ConversationItem.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Wire values of ConversationItem.Status.
const (
	ItemStatusCompleted = "completed"
	ItemStatusFailed    = "failed"
	ItemStatusPending   = "pending"
)

// Content part types.
const (
	ContentInputText  = "input_text"
	ContentOutputText = "output_text"
	ContentInputImage = "input_image"
	ContentInputFile  = "input_file"
)

// ItemKind classifies an item by the turn slot it fills.
type ItemKind string

const (
	KindUserInput     ItemKind = "user_input"
	KindModelOutput   ItemKind = "model_output"
	KindReasoning     ItemKind = "reasoning"
	KindWebSearchCall ItemKind = "web_search_call"
	KindUnknown       ItemKind = "unknown"
)

// ContentItem is one part of a message body.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// SearchAction describes what a web_search_call item searched for.
type SearchAction struct {
	Type    string         `json:"type"`
	Query   string         `json:"query"`
	Sources []SearchSource `json:"sources,omitempty"`
}

// SearchSource is a single web search hit.
type SearchSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ConversationItem is an atomic event inside a turn. Several items share a
// ResponseID when a turn carries reasoning, search calls and final output.
type ConversationItem struct {
	Type               string          `json:"type"`
	ID                 string          `json:"id"`
	ResponseID         string          `json:"response_id"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	NextResponseIDs    []string        `json:"next_response_ids"`
	CreatedAt          int64           `json:"created_at"`
	Status             string          `json:"status,omitempty"`
	Role               string          `json:"role,omitempty"`
	Content            []ContentItem   `json:"content,omitempty"`
	Model              string          `json:"model,omitempty"`
	Action             *SearchAction   `json:"action,omitempty"`
	Summary            json.RawMessage `json:"summary,omitempty"`
}

// Kind maps the wire type/role pair onto a turn slot.
func (it ConversationItem) Kind() ItemKind {
	switch it.Type {
	case ItemTypeReasoning:
		return KindReasoning
	case ItemTypeWebSearchCall:
		return KindWebSearchCall
	case ItemTypeMessage:
		switch it.Role {
		case RoleUser:
			return KindUserInput
		case RoleAssistant:
			return KindModelOutput
		}
	}
	return KindUnknown
}

// Text joins the text parts of the item's content, ignoring images and files.
func (it ConversationItem) Text() string {
	var parts []string
	for _, c := range it.Content {
		if c.Type == ContentInputText || c.Type == ContentOutputText {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// clone returns a copy that shares nothing mutable with it.
func (it ConversationItem) clone() ConversationItem {
	out := it
	if it.NextResponseIDs != nil {
		out.NextResponseIDs = append([]string(nil), it.NextResponseIDs...)
	}
	if it.Content != nil {
		out.Content = append([]ContentItem(nil), it.Content...)
	}
	return out
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation metadata keys the client interprets.
const (
	MetadataTitle        = "title"
	MetadataImportedAt   = "imported_at"
	MetadataClonedFromID = "cloned_from_id"
)

// ConversationInfo is a conversation list entry.
type ConversationInfo struct {
	ID        string            `json:"id"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Title returns the metadata title, if any.
func (c ConversationInfo) Title() string {
	return c.Metadata[MetadataTitle]
}

// ConversationItemsPage is the response of the items endpoint.
type ConversationItemsPage struct {
	Object  string             `json:"object"`
	Data    []ConversationItem `json:"data"`
	FirstID string             `json:"first_id"`
	LastID  string             `json:"last_id"`
	HasMore bool               `json:"has_more"`
}

// Conversation is a conversation's detail merged with its items page.
type Conversation struct {
	ID        string             `json:"id"`
	Object    string             `json:"object,omitempty"`
	CreatedAt int64              `json:"created_at"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	Data      []ConversationItem `json:"data"`
	FirstID   string             `json:"first_id"`
	LastID    string             `json:"last_id"`
	HasMore   bool               `json:"has_more"`
}

// Info returns the list-entry view of the conversation.
func (c *Conversation) Info() ConversationInfo {
	return ConversationInfo{ID: c.ID, CreatedAt: c.CreatedAt, Metadata: c.Metadata}
}

// clone deep-copies the conversation so snapshots never alias.
func (c *Conversation) clone() Conversation {
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Data = make([]ConversationItem, len(c.Data))
	for i, it := range c.Data {
		out.Data[i] = it.clone()
	}
	return out
}

// NewEmptyConversation is the shell used when starting a new chat.
func NewEmptyConversation(id string, createdAt int64) *Conversation {
	return &Conversation{
		ID:        id,
		Object:    "list",
		CreatedAt: createdAt,
		Metadata:  map[string]string{MetadataTitle: DefaultConversationTitle},
		Data:      []ConversationItem{},
	}
}

// mergeConversation combines a detail response with an items page.
func mergeConversation(detail *Conversation, page *ConversationItemsPage) *Conversation {
	merged := detail.clone()
	if page != nil {
		merged.Data = page.Data
		merged.FirstID = page.FirstID
		merged.LastID = page.LastID
		merged.HasMore = page.HasMore
		if merged.Object == "" {
			merged.Object = page.Object
		}
	}
	if merged.Data == nil {
		merged.Data = []ConversationItem{}
	}
	return &merged
}

// DisplayableItems keeps user messages and assistant messages that carry
// non-empty output text, which is what the read path renders.
func DisplayableItems(items []ConversationItem) []ConversationItem {
	out := make([]ConversationItem, 0, len(items))
	for _, it := range items {
		if it.Type != ItemTypeMessage {
			continue
		}
		if it.Role == RoleUser {
			out = append(out, it)
			continue
		}
		if it.Role != RoleAssistant {
			continue
		}
		for _, c := range it.Content {
			if c.Type == ContentOutputText && c.Text != "" {
				out = append(out, it)
				break
			}
		}
	}
	return out
}

// ============================================================================
// Users & Signatures
// ============================================================================

// User is the cached profile of the signed-in user.
type User struct {
	User struct {
		ID        string `json:"id"`
		Email     string `json:"email"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	} `json:"user"`
	LinkedAccounts []struct {
		Provider string `json:"provider"`
		LinkedAt string `json:"linked_at"`
	} `json:"linked_accounts"`
}

// MessageSignature attests a chat completion. Text has the form
// request_body_sha256:response_body_sha256.
type MessageSignature struct {
	Text           string `json:"text"`
	Signature      string `json:"signature"`
	SigningAddress string `json:"signing_address"`
	SigningAlgo    string `json:"signing_algo"`
	Message        string `json:"message,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// ============================================================================
// Constants
// ============================================================================

const (
	// TempResponseID marks optimistic placeholder items until the server echoes
	// the authoritative ones.
	TempResponseID = "temp-response-id"

	// TempMessageIDPrefix prefixes optimistic placeholder item ids.
	TempMessageIDPrefix = "temp-message-"

	// ImportedResponseIDPrefix tags synthetic response ids given to imported items.
	ImportedResponseIDPrefix = "mock_resp_"

	// DefaultConversationTitle is the title of a freshly started chat.
	DefaultConversationTitle = "New Conversation"

	// DefaultSigningAlgo is the signature algorithm requested from the API.
	DefaultSigningAlgo = "ecdsa"
)
