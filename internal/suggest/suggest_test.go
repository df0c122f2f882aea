package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/internal/graphql"
	"github.com/tokengate/tokengate/internal/openapi"
	"github.com/tokengate/tokengate/internal/pattern"
	"github.com/tokengate/tokengate/pkg/types"
)

func patterns(options []types.PatternOption) []string {
	out := make([]string, len(options))
	for i, o := range options {
		out[i] = o.Pattern
	}
	return out
}

func TestHTTPWithTemplate(t *testing.T) {
	doc, err := openapi.Parse([]byte(`
paths:
  /repos/{owner}/{repo}/actions/runs/{run_id}/jobs:
    get: {}
`))
	require.NoError(t, err)
	template := doc.Lookup("GET", "/repos/a/b/actions/runs/7/jobs")
	require.NotNil(t, template)

	got := HTTP("GET", "/repos/a/b/actions/runs/7/jobs", template)
	assert.Equal(t, []string{
		"GET /repos/a/b/actions/runs/7/jobs",
		"GET /repos/a/b/actions/runs/*/jobs",
		"GET /repos/a/*/actions/runs/*/jobs",
		"GET /repos/*/*/actions/runs/*/jobs",
		"GET *",
	}, patterns(got))
}

func TestHTTPWithoutTemplate(t *testing.T) {
	got := HTTP("POST", "/repos/acme/issues?draft=1", nil)
	assert.Equal(t, []string{
		"POST /repos/acme/issues",
		"POST *",
	}, patterns(got))
}

func TestHTTPTemplateSegmentMismatchIgnored(t *testing.T) {
	template := &openapi.Path{
		Template: "/a/{x}",
		Segments: []openapi.Segment{{Value: "a"}, {Value: "{x}", IsParameter: true}},
	}
	got := HTTP("GET", "/a/b/c", template)
	assert.Equal(t, []string{"GET /a/b/c", "GET *"}, patterns(got))
}

func TestGraphQLNoArgs(t *testing.T) {
	got := GraphQL("query", graphql.Field{Name: "viewer"})
	assert.Equal(t, []string{
		"GRAPHQL query viewer",
		"GRAPHQL query *",
	}, patterns(got))
}

func TestGraphQLArgsWidenRightToLeft(t *testing.T) {
	req, err := graphql.ParseBody([]byte(`{"query": "mutation { createPullRequest(repo: \"r\", branch: \"main\", title: \"x\") { id } }"}`))
	require.NoError(t, err)
	require.Len(t, req.Mutations, 1)

	got := GraphQL("mutation", req.Mutations[0])
	assert.Equal(t, []string{
		`GRAPHQL mutation createPullRequest(repo: "r", branch: "main", title: "x")`,
		`GRAPHQL mutation createPullRequest(repo: "r", branch: "main", title: $ANY)`,
		`GRAPHQL mutation createPullRequest(repo: "r", branch: $ANY, title: $ANY)`,
		`GRAPHQL mutation createPullRequest(repo: $ANY, branch: $ANY, title: $ANY)`,
		"GRAPHQL mutation *",
	}, patterns(got))
}

// Every suggestion matches the request it was derived from.
func TestSuggestionsMatchTheirRequest(t *testing.T) {
	req, err := graphql.ParseBody([]byte(`{"query": "mutation { m(a: 1, b: {c: \"d\"}) { ok } }"}`))
	require.NoError(t, err)
	key := "GRAPHQL mutation " + req.Mutations[0].Expr()

	for _, opt := range GraphQL("mutation", req.Mutations[0]) {
		ok, err := pattern.Matches(opt.Pattern, key)
		require.NoError(t, err, opt.Pattern)
		assert.True(t, ok, "suggestion %q must match %q", opt.Pattern, key)
	}

	httpKey := "GET /repos/a/b"
	template := &openapi.Path{
		Template: "/repos/{owner}/{repo}",
		Segments: []openapi.Segment{
			{Value: "repos"},
			{Value: "{owner}", IsParameter: true},
			{Value: "{repo}", IsParameter: true},
		},
	}
	for _, opt := range HTTP("GET", "/repos/a/b", template) {
		ok, err := pattern.Matches(opt.Pattern, httpKey)
		require.NoError(t, err, opt.Pattern)
		assert.True(t, ok, "suggestion %q must match %q", opt.Pattern, httpKey)
	}
}
