package connector_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/connector"
	"github.com/tandem-run/tandem/internal/core"
)

func TestNormalizeGmail(t *testing.T) {
	res, err := connector.Normalize(map[string]any{
		"id":      "msg-1",
		"subject": "Q3 budget review",
		"preview": "Attached are the numbers",
		"from":    "alice@example.com",
		"to":      []any{"bob@example.com", "carol@example.com"},
		"thread":  "t-9",
		"date":    "2026-08-20T10:00:00Z",
	}, "gmail", "email")
	require.NoError(t, err)

	assert.Equal(t, "msg-1", res.ID)
	assert.Equal(t, "email", res.Type)
	assert.Equal(t, "Q3 budget review", res.Title)
	assert.Equal(t, "Attached are the numbers", res.Snippet)
	assert.Equal(t, "t-9", res.ThreadID)
	assert.ElementsMatch(t, []string{"alice@example.com", "bob@example.com", "carol@example.com"}, res.Participants)
	assert.Equal(t, time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), res.Timestamp)
}

func TestNormalizeSlack(t *testing.T) {
	res, err := connector.Normalize(map[string]any{
		"id":      "m-1",
		"text":    "deploy is done",
		"channel": "C123",
		"user":    "U42",
		"ts":      "1717171717.000200",
	}, "slack", "message")
	require.NoError(t, err)

	assert.Equal(t, "deploy is done", res.Title)
	assert.Equal(t, "C123", res.ChannelID)
	assert.Contains(t, res.Participants, "U42")
	assert.Equal(t, int64(1717171717), res.Timestamp.Unix())
}

func TestNormalizeSlackLongTextBecomesSnippet(t *testing.T) {
	long := ""
	for len(long) < 120 {
		long += "all work and no play "
	}
	res, err := connector.Normalize(map[string]any{"id": "m-2", "text": long}, "slack", "message")
	require.NoError(t, err)

	assert.Len(t, res.Title, 80)
	assert.Equal(t, long, res.Snippet)
}

func TestNormalizeDirectFields(t *testing.T) {
	res, err := connector.Normalize(map[string]any{
		"id":        "p-1",
		"title":     "roadmap",
		"snippet":   "H2 plans",
		"timestamp": "2026-08-01T00:00:00Z",
		"labels":    []any{"planning"},
	}, "notion", "doc")
	require.NoError(t, err)

	assert.Equal(t, "roadmap", res.Title, "direct json keys win over fallbacks")
	assert.Equal(t, []string{"planning"}, res.Labels)
	assert.False(t, res.Timestamp.IsZero())
}

func TestNormalizeMissingID(t *testing.T) {
	_, err := connector.Normalize(map[string]any{"subject": "no id"}, "gmail", "email")
	assert.Equal(t, core.CodeValidation, core.Classify(err))
}
