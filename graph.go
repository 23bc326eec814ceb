package privatechat

// ============================================================================
// Response Nodes
// ============================================================================

// NodeStatus is the furthest stage a turn has reached.
type NodeStatus string

const (
	NodeCreated   NodeStatus = "created"
	NodeInput     NodeStatus = "input"
	NodeReasoning NodeStatus = "reasoning"
	NodeWebSearch NodeStatus = "web_search"
	NodeOutput    NodeStatus = "output"
)

var nodeStatusRank = map[NodeStatus]int{
	NodeCreated:   0,
	NodeInput:     1,
	NodeReasoning: 2,
	NodeWebSearch: 3,
	NodeOutput:    4,
}

// advance moves s forward to next, never backward.
func (s NodeStatus) advance(next NodeStatus) NodeStatus {
	if nodeStatusRank[next] > nodeStatusRank[s] {
		return next
	}
	return s
}

// ResponseNode aggregates every item that shares one response id.
// ParentResponseID is empty for roots.
type ResponseNode struct {
	ResponseID       string
	ParentResponseID string
	UserPromptID     string
	ReasoningIDs     []string
	WebSearchIDs     []string
	OutputIDs        []string
	NextResponseIDs  []string
	Status           NodeStatus
}

func (n *ResponseNode) addNext(id string) {
	for _, existing := range n.NextResponseIDs {
		if existing == id {
			return
		}
	}
	n.NextResponseIDs = append(n.NextResponseIDs, id)
}

// ============================================================================
// Response Graph
// ============================================================================

// ResponseGraph is an immutable forest of response nodes plus the items they
// reference. Build a new graph to change it; values returned by accessors
// must be treated as read-only.
type ResponseGraph struct {
	nodes  map[string]*ResponseNode
	items  map[string]ConversationItem
	order  []string
	rootID string
}

// Node returns the node for a response id.
func (g *ResponseGraph) Node(id string) (ResponseNode, bool) {
	if g == nil {
		return ResponseNode{}, false
	}
	n, ok := g.nodes[id]
	if !ok {
		return ResponseNode{}, false
	}
	return *n, true
}

// Has reports whether the response id is in the graph.
func (g *ResponseGraph) Has(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.nodes[id]
	return ok
}

// Item returns an item by its id.
func (g *ResponseGraph) Item(id string) (ConversationItem, bool) {
	if g == nil {
		return ConversationItem{}, false
	}
	it, ok := g.items[id]
	return it, ok
}

// HasItem reports whether an item id is known.
func (g *ResponseGraph) HasItem(id string) bool {
	_, ok := g.Item(id)
	return ok
}

// NodeIDs returns response ids in first-seen order.
func (g *ResponseGraph) NodeIDs() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.order...)
}

// Len returns the number of nodes.
func (g *ResponseGraph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.nodes)
}

// ItemCount returns the number of distinct items.
func (g *ResponseGraph) ItemCount() int {
	if g == nil {
		return 0
	}
	return len(g.items)
}

// RootID is the provisional root: the first node seen without a parent.
func (g *ResponseGraph) RootID() string {
	if g == nil {
		return ""
	}
	return g.rootID
}

// PromptText returns the text of a node's user prompt, or "" if it has none.
func (g *ResponseGraph) PromptText(responseID string) string {
	n, ok := g.Node(responseID)
	if !ok || n.UserPromptID == "" {
		return ""
	}
	it, ok := g.Item(n.UserPromptID)
	if !ok {
		return ""
	}
	return it.Text()
}

// Orphans lists nodes whose parent is not in the graph. They stay navigable
// but never appear on a batch that starts at the root.
func (g *ResponseGraph) Orphans() []string {
	var out []string
	for _, id := range g.NodeIDs() {
		n := g.nodes[id]
		if n.ParentResponseID != "" && !g.Has(n.ParentResponseID) {
			out = append(out, id)
		}
	}
	return out
}

// ============================================================================
// Builder
// ============================================================================

// BuildGraph folds items into a response graph in one pass and returns it
// together with the default leaf: the deepest leaf under the root.
//
// Items with a duplicate id are recorded once (last write wins for the item
// body, but slot ids are never repeated). A node whose parent's
// NextResponseIDs omits it is appended there so edges stay bidirectional.
// Cycles are not rejected; traversals guard against them instead.
func BuildGraph(items []ConversationItem) (*ResponseGraph, string) {
	g := &ResponseGraph{
		nodes: make(map[string]*ResponseNode),
		items: make(map[string]ConversationItem, len(items)),
	}

	seenSlot := make(map[string]bool, len(items))
	for _, item := range items {
		g.items[item.ID] = item

		node, ok := g.nodes[item.ResponseID]
		if !ok {
			node = &ResponseNode{ResponseID: item.ResponseID, Status: NodeCreated}
			g.nodes[item.ResponseID] = node
			g.order = append(g.order, item.ResponseID)
		}

		if item.PreviousResponseID != "" {
			node.ParentResponseID = item.PreviousResponseID
		} else if g.rootID == "" && node.ParentResponseID == "" {
			g.rootID = item.ResponseID
		}

		for _, next := range item.NextResponseIDs {
			if next != "" {
				node.addNext(next)
			}
		}

		slotKey := item.ResponseID + "\x00" + item.ID
		if seenSlot[slotKey] {
			continue
		}
		seenSlot[slotKey] = true

		switch item.Kind() {
		case KindReasoning:
			node.ReasoningIDs = append(node.ReasoningIDs, item.ID)
			node.Status = node.Status.advance(NodeReasoning)
		case KindWebSearchCall:
			node.WebSearchIDs = append(node.WebSearchIDs, item.ID)
			node.Status = node.Status.advance(NodeWebSearch)
		case KindUserInput:
			node.UserPromptID = item.ID
			node.Status = node.Status.advance(NodeInput)
		case KindModelOutput:
			node.OutputIDs = append(node.OutputIDs, item.ID)
			node.Status = node.Status.advance(NodeOutput)
		}
	}

	// A provisional root that later gained a parent is no longer a root.
	if root, ok := g.nodes[g.rootID]; ok && root.ParentResponseID != "" {
		g.rootID = ""
		for _, id := range g.order {
			if g.nodes[id].ParentResponseID == "" {
				g.rootID = id
				break
			}
		}
	}

	for _, id := range g.order {
		n := g.nodes[id]
		if parent, ok := g.nodes[n.ParentResponseID]; ok && parent != n {
			parent.addNext(id)
		}
	}

	if g.rootID == "" && len(g.order) > 0 {
		g.rootID = g.order[0]
	}
	if g.rootID == "" {
		return g, ""
	}
	return g, FindDeepestLeaf(g, g.rootID)
}
