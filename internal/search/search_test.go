package search

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResultType(t *testing.T) {
	for _, value := range []string{"", "ticket", "note", "workspace"} {
		_, ok := ParseResultType(value)
		assert.True(t, ok, value)
	}
	_, ok := ParseResultType("document")
	assert.False(t, ok)
}

func TestBuildQueryRestrictsToWorkspaces(t *testing.T) {
	q := Query{Text: "login bug", WorkspaceIDs: []string{"w1", "w2"}}

	countSQL, dataSQL, args := buildQuery(q, 20, 40)
	require.Len(t, args, 2)
	assert.Equal(t, "login bug", args[0])
	assert.Equal(t, []string{"w1", "w2"}, args[1])

	assert.Equal(t, 3, strings.Count(countSQL, "= ANY($2)"))
	assert.Contains(t, dataSQL, "LIMIT 20 OFFSET 40")
	assert.Contains(t, dataSQL, "FROM tickets t")
	assert.Contains(t, dataSQL, "FROM notes n")
	assert.Contains(t, dataSQL, "FROM workspaces w")
}

func TestBuildQueryFiltersByType(t *testing.T) {
	_, dataSQL, _ := buildQuery(Query{Text: "x", FilterType: ResultNote, WorkspaceIDs: []string{"w1"}}, 10, 0)
	assert.Contains(t, dataSQL, "FROM notes n")
	assert.NotContains(t, dataSQL, "FROM tickets t")
	assert.NotContains(t, dataSQL, "UNION ALL")
}

func TestWorkspaceFilter(t *testing.T) {
	assert.Equal(t, `workspaceId IN ["a", "b"]`, workspaceFilter([]string{"a", "b"}))
}

func TestHitToResultPrefersHighlights(t *testing.T) {
	hit := meili.Hit{
		"id":          json.RawMessage(`"t1"`),
		"title":       json.RawMessage(`"Login fails"`),
		"description": json.RawMessage(`"Users cannot sign in"`),
		"status":      json.RawMessage(`"todo"`),
		"workspaceId": json.RawMessage(`"w1"`),
		"_formatted":  json.RawMessage(`{"id":"t1","title":"<mark>Login</mark> fails","description":""}`),
	}

	r := hitToResult(hit, ResultTicket)
	assert.Equal(t, Result{
		Type:        ResultTicket,
		ID:          "t1",
		Title:       "<mark>Login</mark> fails",
		Snippet:     "Users cannot sign in",
		WorkspaceID: "w1",
		Status:      "todo",
	}, r)
	assert.Equal(t, ResultWorkspace, indexToResultType(idxWorkspaces))
}

func TestSearchWithoutWorkspacesIsEmpty(t *testing.T) {
	svc := NewService(nil, nil)
	resp := svc.Search(context.Background(), Query{Text: "anything"})
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
	assert.Equal(t, EnginePostgres, resp.Engine)

	resp = svc.Search(context.Background(), Query{Text: "anything", WorkspaceIDs: []string{"w1"}})
	assert.Empty(t, resp.Results)
}

func TestIndexingWithoutMeiliIsNoop(t *testing.T) {
	svc := NewService(nil, nil)
	svc.IndexTicket(TicketRecord{ID: "t1"})
	svc.Delete(ResultNote, "n1")

	_, err := svc.ReindexAllFromPG(context.Background())
	assert.ErrorIs(t, err, ErrMeiliUnavailable)
}
