package privatechat

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ImportTolerance is the window around the import (or clone) timestamp inside
// which an item is assumed to have been created by the bulk import rather
// than sent live. It is a heuristic: a message genuinely sent within the
// window of an import is misclassified, and no per-item flag exists to tell
// the two apart.
const ImportTolerance = 10 * time.Second

// ImportResult is the output of ReconcileImported.
type ImportResult struct {
	Items []ConversationItem
	// IDMapping maps an imported item's id to the synthetic response id it was
	// given in the display graph.
	IDMapping map[string]string
}

// importReference returns the instant imported items cluster around. It comes
// from metadata.imported_at (unix milliseconds), or from the conversation's
// creation time when the conversation is a clone.
func importReference(conv *Conversation) (time.Time, bool) {
	if conv == nil {
		return time.Time{}, false
	}
	if raw := conv.Metadata[MetadataImportedAt]; raw != "" {
		ms, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) || ms == 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(ms)), true
	}
	if conv.Metadata[MetadataClonedFromID] != "" && conv.CreatedAt != 0 {
		return time.Unix(conv.CreatedAt, 0), true
	}
	return time.Time{}, false
}

func withinTolerance(created, ref time.Time) bool {
	d := created.Sub(ref)
	if d < 0 {
		d = -d
	}
	// Whole seconds, strictly inside the window.
	return d.Truncate(time.Second) < ImportTolerance
}

// IsImportedItem reports whether item looks like it came from a bulk import.
// Items already carrying a synthetic response id always count.
func IsImportedItem(conv *Conversation, item ConversationItem) bool {
	ref, ok := importReference(conv)
	if !ok {
		return false
	}
	if strings.HasPrefix(item.ResponseID, ImportedResponseIDPrefix) {
		return true
	}
	return withinTolerance(time.Unix(item.CreatedAt, 0), ref)
}

// IsClonedItem reports whether item predates (or coincides with) the moment
// the conversation was cloned from another one.
func IsClonedItem(conv *Conversation, item ConversationItem) bool {
	if conv == nil || conv.Metadata[MetadataClonedFromID] == "" {
		return false
	}
	clonedAt := time.Unix(conv.CreatedAt, 0)
	created := time.Unix(item.CreatedAt, 0)
	return created.Before(clonedAt) || withinTolerance(created, clonedAt)
}

// syntheticResponseID builds the display id for the index-th imported item.
func syntheticResponseID(index int, originalID string) string {
	return fmt.Sprintf("%s%d_%s", ImportedResponseIDPrefix, index, originalID)
}

// ReconcileImported relinks imported items into a strict linear chain. Each
// imported item gets its own synthetic response id, a parent pointing at the
// previous imported item and a single child pointing at the next one.
//
// Items sent after the import still reference the server response ids the
// imported items had. A parent pointing at such a response is rewritten to the
// last chain entry of that response, and that entry gains the item as a
// child. Child references are rewritten to the first chain entry. The input
// slice is not modified.
func ReconcileImported(conv *Conversation, items []ConversationItem) ImportResult {
	out := ImportResult{
		Items:     make([]ConversationItem, len(items)),
		IDMapping: map[string]string{},
	}
	copy(out.Items, items)

	var positions []int
	imported := make(map[int]bool)
	for i, it := range items {
		if IsImportedItem(conv, it) {
			positions = append(positions, i)
			imported[i] = true
		}
	}
	if len(positions) == 0 {
		return out
	}

	newIDs := make([]string, len(positions))
	// Original response id to the chain entries it became.
	heads := make(map[string]int)
	tails := make(map[string]int)
	for n, pos := range positions {
		newIDs[n] = syntheticResponseID(n, items[pos].ID)
		out.IDMapping[items[pos].ID] = newIDs[n]
		orig := items[pos].ResponseID
		if _, ok := heads[orig]; !ok {
			heads[orig] = pos
		}
		tails[orig] = pos
	}

	for n, pos := range positions {
		it := items[pos].clone()
		it.ResponseID = newIDs[n]
		it.PreviousResponseID = ""
		if n > 0 {
			it.PreviousResponseID = newIDs[n-1]
		}
		it.NextResponseIDs = []string{}
		if n < len(positions)-1 {
			it.NextResponseIDs = []string{newIDs[n+1]}
		}
		out.Items[pos] = it
	}

	for i, it := range items {
		if imported[i] {
			continue
		}
		tail, parentImported := tails[it.PreviousResponseID]
		nextImported := false
		for _, next := range it.NextResponseIDs {
			if _, ok := heads[next]; ok {
				nextImported = true
				break
			}
		}
		if !parentImported && !nextImported {
			continue
		}

		live := it.clone()
		if parentImported {
			live.PreviousResponseID = out.Items[tail].ResponseID
			parent := &out.Items[tail]
			if IndexOf(parent.NextResponseIDs, live.ResponseID) < 0 {
				parent.NextResponseIDs = append(parent.NextResponseIDs, live.ResponseID)
			}
		}
		for j, next := range live.NextResponseIDs {
			if head, ok := heads[next]; ok {
				live.NextResponseIDs[j] = out.Items[head].ResponseID
			}
		}
		out.Items[i] = live
	}
	return out
}
