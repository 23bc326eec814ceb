package privatechat

// ============================================================================
// Leaf Selection
// ============================================================================

// FindDeepestLeaf walks the subtree under rootID depth-first along
// NextResponseIDs and returns the deepest node. Ties go to the node discovered
// last, so later siblings win. Children missing from the graph are skipped.
// Returns "" when rootID is not in the graph.
//
// The walk is iterative and never visits a node twice, so malformed data with
// a cycle terminates instead of looping.
func FindDeepestLeaf(g *ResponseGraph, rootID string) string {
	if !g.Has(rootID) {
		return ""
	}

	type frame struct {
		id    string
		depth int
	}

	best, bestDepth := rootID, 0
	visited := map[string]bool{}
	stack := []frame{{id: rootID}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[f.id] {
			continue
		}
		visited[f.id] = true

		if f.depth >= bestDepth {
			best, bestDepth = f.id, f.depth
		}

		node := g.nodes[f.id]
		// Push in reverse so children pop in registration order.
		for i := len(node.NextResponseIDs) - 1; i >= 0; i-- {
			child := node.NextResponseIDs[i]
			if g.Has(child) && !visited[child] {
				stack = append(stack, frame{id: child, depth: f.depth + 1})
			}
		}
	}
	return best
}

// LeafForBranch returns the leaf to display after the user switches to the
// branch starting at responseID.
func LeafForBranch(g *ResponseGraph, responseID string) string {
	return FindDeepestLeaf(g, responseID)
}

// ============================================================================
// Batch Extraction
// ============================================================================

// ExtractBatch returns the root-to-leaf path ending at leafID by following
// parent links. The result is empty when leafID is unknown. If the parent
// chain reaches a node not in the graph, the batch starts at the last node
// that is present.
func ExtractBatch(g *ResponseGraph, leafID string) []string {
	if !g.Has(leafID) {
		return []string{}
	}

	var path []string
	visited := map[string]bool{}
	for id := leafID; id != "" && g.Has(id) && !visited[id]; {
		visited[id] = true
		path = append(path, id)
		id = g.nodes[id].ParentResponseID
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// ============================================================================
// Siblings
// ============================================================================

// Siblings groups the alternatives to a node under its parent.
//
// ResponseSiblings share the node's exact prompt text (regenerations), in
// child registration order. InputSiblings hold one representative per
// distinct prompt text (edited prompts), first-seen order, and are empty when
// every child shares the same prompt.
type Siblings struct {
	InputSiblings    []string
	ResponseSiblings []string
}

// HasAlternatives reports whether any branch switch is possible.
func (s Siblings) HasAlternatives() bool {
	return len(s.InputSiblings) > 1 || len(s.ResponseSiblings) > 1
}

// IndexOf returns the position of id within list, or -1.
func IndexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}

// AnalyzeSiblings computes the sibling groups for the node batchID.
func AnalyzeSiblings(g *ResponseGraph, batchID string) Siblings {
	empty := Siblings{InputSiblings: []string{}, ResponseSiblings: []string{}}

	node, ok := g.Node(batchID)
	if !ok || node.ParentResponseID == "" {
		return empty
	}
	parent, ok := g.Node(node.ParentResponseID)
	if !ok || len(parent.NextResponseIDs) <= 1 {
		return empty
	}

	current := g.PromptText(batchID)
	out := empty
	seenText := map[string]bool{}
	for _, child := range parent.NextResponseIDs {
		if !g.Has(child) {
			continue
		}
		text := g.PromptText(child)
		if text == current {
			out.ResponseSiblings = append(out.ResponseSiblings, child)
		}
		if !seenText[text] {
			seenText[text] = true
			out.InputSiblings = append(out.InputSiblings, child)
		}
	}
	if len(seenText) <= 1 {
		out.InputSiblings = []string{}
	}
	return out
}
