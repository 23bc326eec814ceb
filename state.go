package privatechat

// ConversationState is an immutable snapshot of one conversation together
// with the graph derived from it and the branch currently on screen. Every
// mutation produces a new snapshot; readers may hold on to old ones.
type ConversationState struct {
	Conversation *Conversation
	Graph        *ResponseGraph
	// CurrentID is the default leaf: the deepest leaf under the root.
	CurrentID string
	// CurrentMessageID is the leaf the displayed batch ends at.
	CurrentMessageID string
	// Batch is the displayed root-to-leaf path of response ids.
	Batch []string
	// ImportedIDMapping maps imported item ids to their synthetic response ids.
	ImportedIDMapping map[string]string
}

// BuildConversationState derives a snapshot from conv.
//
// The selected leaf is chosen in this order: override, if present in the new
// graph; the previous snapshot's selection, if still present; the deepest
// leaf. Passing a nil previous therefore makes the view follow the newest
// branch tip.
func BuildConversationState(conv *Conversation, previous *ConversationState, override string) *ConversationState {
	snapshot := conv.clone()
	reconciled := ReconcileImported(&snapshot, snapshot.Data)
	graph, currentID := BuildGraph(reconciled.Items)

	selected := currentID
	switch {
	case override != "" && graph.Has(override):
		selected = override
	case previous != nil && previous.CurrentMessageID != "" && graph.Has(previous.CurrentMessageID):
		selected = previous.CurrentMessageID
	}

	return &ConversationState{
		Conversation:      &snapshot,
		Graph:             graph,
		CurrentID:         currentID,
		CurrentMessageID:  selected,
		Batch:             ExtractBatch(graph, selected),
		ImportedIDMapping: reconciled.IDMapping,
	}
}

// SelectLeaf returns a snapshot displaying the branch ending at responseID.
// An unknown id leaves the current batch in place.
func (s *ConversationState) SelectLeaf(responseID string) *ConversationState {
	if s == nil || !s.Graph.Has(responseID) {
		return s
	}
	next := *s
	next.CurrentMessageID = responseID
	next.Batch = ExtractBatch(s.Graph, responseID)
	return &next
}

// SelectBranch switches to the sibling branch starting at responseID and
// displays its deepest leaf.
func (s *ConversationState) SelectBranch(responseID string) *ConversationState {
	if s == nil {
		return nil
	}
	return s.SelectLeaf(LeafForBranch(s.Graph, responseID))
}

// Siblings analyzes the alternatives of a node in the graph.
func (s *ConversationState) Siblings(responseID string) Siblings {
	if s == nil {
		return AnalyzeSiblings(nil, responseID)
	}
	return AnalyzeSiblings(s.Graph, responseID)
}

// Turn is one displayed response node with its items resolved.
type Turn struct {
	ResponseID string
	Prompt     *ConversationItem
	Reasoning  []ConversationItem
	WebSearch  []ConversationItem
	Outputs    []ConversationItem
	Status     NodeStatus
}

// Turns resolves the displayed batch into items, root first.
func (s *ConversationState) Turns() []Turn {
	if s == nil {
		return nil
	}
	turns := make([]Turn, 0, len(s.Batch))
	for _, id := range s.Batch {
		node, ok := s.Graph.Node(id)
		if !ok {
			continue
		}
		t := Turn{ResponseID: id, Status: node.Status}
		if it, ok := s.Graph.Item(node.UserPromptID); ok && node.UserPromptID != "" {
			t.Prompt = &it
		}
		t.Reasoning = s.resolve(node.ReasoningIDs)
		t.WebSearch = s.resolve(node.WebSearchIDs)
		t.Outputs = s.resolve(node.OutputIDs)
		turns = append(turns, t)
	}
	return turns
}

func (s *ConversationState) resolve(ids []string) []ConversationItem {
	var out []ConversationItem
	for _, id := range ids {
		if it, ok := s.Graph.Item(id); ok {
			out = append(out, it)
		}
	}
	return out
}
