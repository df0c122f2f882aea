package openapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specYAML = `
openapi: "3.0.0"
info:
  title: forge
  version: "1"
paths:
  /repos/{owner}/{repo}/actions/runs/{run_id}/jobs:
    get:
      summary: list jobs
  /repos/{owner}/{repo}:
    get: {}
    patch: {}
    delete: {}
  /user:
    get: {}
`

func TestParseAndLookup(t *testing.T) {
	doc, err := Parse([]byte(specYAML))
	require.NoError(t, err)
	require.Len(t, doc.Paths, 3)

	p := doc.Lookup("GET", "/repos/a/b/actions/runs/7/jobs")
	require.NotNil(t, p)
	assert.Equal(t, "/repos/{owner}/{repo}/actions/runs/{run_id}/jobs", p.Template)

	p = doc.Lookup("PATCH", "/repos/a/b")
	require.NotNil(t, p)
	assert.Equal(t, "/repos/{owner}/{repo}", p.Template)

	assert.Nil(t, doc.Lookup("POST", "/repos/a/b"), "method not declared")
	assert.Nil(t, doc.Lookup("GET", "/repos/a/b/c"), "segment count mismatch")
	assert.Nil(t, doc.Lookup("GET", "/unknown"))
}

func TestLookupStripsQuery(t *testing.T) {
	doc, err := Parse([]byte(specYAML))
	require.NoError(t, err)
	p := doc.Lookup("GET", "/user?per_page=10")
	require.NotNil(t, p)
	assert.Equal(t, "/user", p.Template)
}

func TestParseJSONDocument(t *testing.T) {
	data := `{"openapi": "3.0.0", "paths": {"/widgets/{id}": {"get": {}, "put": {}}}}`
	doc, err := Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, doc.Paths, 1)
	assert.Equal(t, []Segment{{Value: "widgets"}, {Value: "{id}", IsParameter: true}}, doc.Paths[0].Segments)

	p := doc.Lookup("PUT", "/widgets/9")
	require.NotNil(t, p)
}

func TestParseNoPaths(t *testing.T) {
	_, err := Parse([]byte(`openapi: "3.0.0"`))
	assert.Error(t, err)
}

func TestLookupStableOrder(t *testing.T) {
	data := `
paths:
  /a/{x}:
    get: {}
  /a/{y}:
    get: {}
`
	doc, err := Parse([]byte(data))
	require.NoError(t, err)
	p := doc.Lookup("GET", "/a/1")
	require.NotNil(t, p)
	assert.Equal(t, "/a/{x}", p.Template, "first declared template wins")
}

func TestIndex(t *testing.T) {
	doc, err := Parse([]byte(specYAML))
	require.NoError(t, err)

	idx := NewIndex()
	idx.Set("api.example.com", doc)

	assert.NotNil(t, idx.Lookup("api.example.com", "GET", "/user"))
	assert.Nil(t, idx.Lookup("other.example.com", "GET", "/user"))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(specYAML), 0o644))

	doc, err := Load(context.Background(), nil, "", path)
	require.NoError(t, err)
	assert.Len(t, doc.Paths, 3)
}

func TestLoadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(specYAML))
	}))
	defer srv.Close()

	doc, err := Load(context.Background(), srv.Client(), srv.URL, "")
	require.NoError(t, err)
	assert.Len(t, doc.Paths, 3)
}

func TestLoadSourceValidation(t *testing.T) {
	_, err := Load(context.Background(), nil, "", "")
	assert.Error(t, err)

	_, err = Load(context.Background(), nil, "http://x", "/y")
	assert.Error(t, err)
}
