package privatechat

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const importedAtMillis = int64(1_700_000_000_500)

func importedConversation(data []ConversationItem) *Conversation {
	conv := testConversation("conv_imp", data)
	conv.Metadata[MetadataImportedAt] = strconv.FormatInt(importedAtMillis, 10)
	return conv
}

func at(it ConversationItem, unix int64) ConversationItem {
	it.CreatedAt = unix
	return it
}

func TestReconcileImported_RelinksIntoChain(t *testing.T) {
	in := []ConversationItem{
		at(userItem("m1", "resp_a", "", "q1"), 1_700_000_000),
		at(assistantItem("m2", "resp_a", "", "a1"), 1_700_000_001),
		at(userItem("m3", "resp_b", "", "q2"), 1_700_000_002),
		at(assistantItem("m4", "resp_b", "", "a2"), 1_700_000_003),
	}
	conv := importedConversation(in)

	res := ReconcileImported(conv, in)
	require.Len(t, res.Items, 4)
	require.Len(t, res.IDMapping, 4)

	seen := map[string]bool{}
	for i, it := range res.Items {
		assert.Equal(t, in[i].ID, it.ID)
		assert.Equal(t, res.IDMapping[it.ID], it.ResponseID)
		assert.Contains(t, it.ResponseID, ImportedResponseIDPrefix)
		assert.False(t, seen[it.ResponseID], "synthetic ids must be unique")
		seen[it.ResponseID] = true

		if i == 0 {
			assert.Empty(t, it.PreviousResponseID)
		} else {
			assert.Equal(t, res.Items[i-1].ResponseID, it.PreviousResponseID)
		}
		if i < len(res.Items)-1 {
			assert.Equal(t, []string{res.Items[i+1].ResponseID}, it.NextResponseIDs)
		} else {
			assert.Empty(t, it.NextResponseIDs)
		}
	}
	assert.Equal(t, "mock_resp_0_m1", res.Items[0].ResponseID)

	// The input is left untouched.
	assert.Equal(t, "resp_a", in[0].ResponseID)

	g, leaf := BuildGraph(res.Items)
	assert.Equal(t, res.Items[3].ResponseID, leaf)
	assert.Len(t, ExtractBatch(g, leaf), 4)
}

func TestReconcileImported_PassesLiveItemsThrough(t *testing.T) {
	live := at(userItem("m9", "resp_live", "", "later"), 1_700_000_500)
	in := []ConversationItem{
		at(userItem("m1", "resp_a", "", "q1"), 1_700_000_000),
		live,
	}
	res := ReconcileImported(importedConversation(in), in)
	assert.Equal(t, live, res.Items[1])
	assert.NotContains(t, res.IDMapping, "m9")
	assert.Empty(t, res.Items[0].NextResponseIDs, "single imported item has no successor")
}

func TestReconcileImported_LiveReplyAfterImport(t *testing.T) {
	in := []ConversationItem{
		at(userItem("m1", "resp_a", "", "q1"), 1_700_000_000),
		at(assistantItem("m2", "resp_a", "", "a1"), 1_700_000_001),
		at(userItem("u_live", "resp_live", "resp_a", "follow up"), 1_700_000_500),
		at(assistantItem("a_live", "resp_live", "resp_a", "sure"), 1_700_000_501),
	}
	res := ReconcileImported(importedConversation(in), in)

	assert.Equal(t, "mock_resp_1_m2", res.Items[2].PreviousResponseID)
	assert.Equal(t, "mock_resp_1_m2", res.Items[3].PreviousResponseID)
	assert.Equal(t, "resp_live", res.Items[2].ResponseID)
	assert.Equal(t, []string{"resp_live"}, res.Items[1].NextResponseIDs)
	assert.Equal(t, "resp_a", in[2].PreviousResponseID, "input untouched")

	s := BuildConversationState(importedConversation(in), nil, "")
	assert.Equal(t, []string{"mock_resp_0_m1", "mock_resp_1_m2", "resp_live"}, s.Batch)
	assert.Empty(t, s.Graph.Orphans())
}

func TestReconcileImported_LiveBranchOffEarlierResponse(t *testing.T) {
	in := []ConversationItem{
		at(userItem("m1", "resp_a", "", "q1"), 1_700_000_000),
		at(assistantItem("m2", "resp_a", "", "a1"), 1_700_000_001),
		at(userItem("m3", "resp_b", "resp_a", "q2"), 1_700_000_002),
		at(assistantItem("m4", "resp_b", "resp_a", "a2"), 1_700_000_003),
		at(userItem("u_edit", "resp_edit", "resp_a", "q2 edited"), 1_700_000_900),
	}
	res := ReconcileImported(importedConversation(in), in)

	assert.Equal(t, "mock_resp_1_m2", res.Items[4].PreviousResponseID)
	assert.Equal(t, []string{"mock_resp_2_m3", "resp_edit"}, res.Items[1].NextResponseIDs)

	g, _ := BuildGraph(res.Items)
	assert.Equal(t, []string{"mock_resp_0_m1", "mock_resp_1_m2", "resp_edit"}, ExtractBatch(g, "resp_edit"))
}

func TestReconcileImported_NoImportMetadata(t *testing.T) {
	in := items(turn("r1", "", "a", "b"))
	res := ReconcileImported(testConversation("c", in), in)
	assert.Equal(t, in, res.Items)
	assert.Empty(t, res.IDMapping)

	res = ReconcileImported(nil, in)
	assert.Equal(t, in, res.Items)
}

func TestIsImportedItem_Tolerance(t *testing.T) {
	conv := importedConversation(nil)
	cases := []struct {
		name    string
		created int64
		want    bool
	}{
		{"at import", 1_700_000_000, true},
		{"9.5s after", 1_700_000_010, true},
		{"10.5s after", 1_700_000_011, false},
		{"9.5s before", 1_699_999_991, true},
		{"far before", 1_699_990_000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it := at(userItem("m", "r", "", "x"), tc.created)
			assert.Equal(t, tc.want, IsImportedItem(conv, it))
		})
	}
}

func TestIsImportedItem_MockPrefixAndBadMetadata(t *testing.T) {
	conv := importedConversation(nil)
	it := at(userItem("m", ImportedResponseIDPrefix+"3_m", "", "x"), 1_800_000_000)
	assert.True(t, IsImportedItem(conv, it))

	conv.Metadata[MetadataImportedAt] = "not-a-number"
	assert.False(t, IsImportedItem(conv, at(userItem("m", "r", "", "x"), 1_700_000_000)))
}

func TestIsClonedItem(t *testing.T) {
	conv := testConversation("clone", nil)
	conv.CreatedAt = 1_700_000_000
	conv.Metadata[MetadataClonedFromID] = "conv_src"

	assert.True(t, IsClonedItem(conv, at(userItem("a", "r", "", "x"), 1_600_000_000)))
	assert.True(t, IsClonedItem(conv, at(userItem("b", "r", "", "x"), 1_700_000_005)))
	assert.False(t, IsClonedItem(conv, at(userItem("c", "r", "", "x"), 1_700_000_030)))

	// A clone without imported_at uses its creation time as the import reference.
	assert.True(t, IsImportedItem(conv, at(userItem("d", "r", "", "x"), 1_700_000_003)))

	delete(conv.Metadata, MetadataClonedFromID)
	assert.False(t, IsClonedItem(conv, at(userItem("e", "r", "", "x"), 1_600_000_000)))
}
