package output

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/gatherly/feedkit/pkg/api"
	"github.com/gatherly/feedkit/pkg/config"
	"github.com/gatherly/feedkit/pkg/impressions"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, format string) *bytes.Buffer {
	t.Helper()
	require.NoError(t, config.Init(filepath.Join(t.TempDir(), "config.toml")))
	config.Set("output.format", format)

	color.NoColor = true
	buf := &bytes.Buffer{}
	prev := Out
	Out = buf
	t.Cleanup(func() { Out = prev })
	return buf
}

func sampleItems() []api.FeedItem {
	liked := true
	return []api.FeedItem{
		{ItemType: api.ItemTypeEvent, ItemID: "e-1", EventID: "e-1", EventTitle: "Night Market", EventLocation: "Austin, TX"},
		{
			ItemType: api.ItemTypePost, ItemID: "p-1", EventID: "e-1", EventTitle: "Night Market",
			AuthorName: "Sam", AuthorHandle: "sam", Content: "great tacos",
			MediaURLs: []string{"https://cdn.example.com/clip.mp4"},
			Metrics:   api.Metrics{Likes: 4, Comments: 1, ViewerHasLiked: &liked},
			Promotion: &api.PromotionMeta{CampaignID: "c-1"},
		},
	}
}

func TestValidateOutputFormat(t *testing.T) {
	for format, want := range map[string]bool{"json": true, "text": true, "table": true, "yaml": false} {
		assert.Equal(t, want, ValidateOutputFormat(format), format)
	}
}

func TestPrintFeedItemsText(t *testing.T) {
	buf := capture(t, "text")
	require.NoError(t, PrintFeedItems(sampleItems(), true))

	out := buf.String()
	assert.Contains(t, out, "Night Market")
	assert.Contains(t, out, "Austin, TX")
	assert.Contains(t, out, "[sponsored]")
	assert.Contains(t, out, "@sam: great tacos")
	assert.Contains(t, out, "video: https://cdn.example.com/clip.mp4")
	assert.Contains(t, out, "4 likes (liked), 1 comments")
	assert.Contains(t, out, "more items available")
}

func TestPrintFeedItemsTable(t *testing.T) {
	buf := capture(t, "table")
	require.NoError(t, PrintFeedItems(sampleItems(), false))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "Likes")
	assert.Contains(t, string(lines[2]), "p-1")
	assert.Contains(t, string(lines[2]), "yes")
}

func TestPrintFeedItemsJSON(t *testing.T) {
	buf := capture(t, "json")
	require.NoError(t, PrintFeedItems(sampleItems(), true))

	var got struct {
		Items       []api.FeedItem `json:"items"`
		HasNextPage bool           `json:"hasNextPage"`
	}
	require.NoError(t, jsoniter.Unmarshal(buf.Bytes(), &got))
	assert.Len(t, got.Items, 2)
	assert.True(t, got.HasNextPage)
}

func TestPrintImpressions(t *testing.T) {
	buf := capture(t, "text")
	require.NoError(t, PrintImpressions([]impressions.Row{
		{Kind: impressions.KindEvent, ItemID: "e-1", DwellMs: 2500, Completed: true},
	}))
	assert.Contains(t, buf.String(), "2500")
	assert.Contains(t, buf.String(), "true")
}

func TestPrintRecordSortsKeys(t *testing.T) {
	buf := capture(t, "text")
	require.NoError(t, PrintRecord("Session", map[string]interface{}{"b": 2, "a": 1}))
	assert.Equal(t, "Session:\na: 1\nb: 2\n", buf.String())
}

func TestMessages(t *testing.T) {
	buf := capture(t, "text")
	PrintSuccess("saved %s", "token")
	PrintWarning("slow")
	PrintError("failed")
	PrintInfo("hi")
	assert.Equal(t, "saved token\nWarning: slow\nError: failed\nhi\n", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
