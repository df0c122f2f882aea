package policy

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDoc = `{
  "api.forge.test": {
    "graphqlEndpoints": ["/graphql"],
    "openApiSpec": {"url": "https://api.forge.test/openapi.json"},
    "secrets": [
      {
        "secret": "fake-token-1",
        "secretEnvVarName": "FORGE_TOKEN",
        "grants": ["GET /user", "GET /repos/*/actions"],
        "rejections": ["DELETE *"]
      },
      {
        "secret": "fake-token-2",
        "secretEnvVarName": "OTHER_TOKEN",
        "grants": [],
        "rejections": []
      }
    ]
  }
}`

func loadTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(testDoc), 0o644))
	s, err := Load(path, nil)
	require.NoError(t, err)
	return s, path
}

func TestLoadAbsentFileIsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.json"), nil)
	require.NoError(t, err)
	assert.Empty(t, s.Hosts())
}

func TestFindSecretConfig(t *testing.T) {
	s, _ := loadTestStore(t)

	h := http.Header{"Authorization": []string{"Bearer fake-token-1"}}
	sec := s.FindSecretConfig("api.forge.test", h)
	require.NotNil(t, sec)
	assert.Equal(t, "fake-token-1", sec.FakeSecret)
	assert.Equal(t, "FORGE_TOKEN", sec.EnvVarName)

	// First configured secret wins when several appear.
	h = http.Header{
		"Authorization": []string{"Bearer fake-token-2"},
		"X-Extra":       []string{"fake-token-1"},
	}
	sec = s.FindSecretConfig("api.forge.test", h)
	require.NotNil(t, sec)
	assert.Equal(t, "fake-token-1", sec.FakeSecret)

	assert.Nil(t, s.FindSecretConfig("api.forge.test", http.Header{"Authorization": []string{"Bearer real"}}))
	assert.Nil(t, s.FindSecretConfig("unknown.test", h))
}

func TestMatching(t *testing.T) {
	s, _ := loadTestStore(t)
	sec := &Secret{Host: "api.forge.test", FakeSecret: "fake-token-1"}

	p, ok := s.MatchingGrant(sec, "GET /repos/acme/actions")
	assert.True(t, ok)
	assert.Equal(t, "GET /repos/*/actions", p)

	_, ok = s.MatchingGrant(sec, "POST /repos/acme/actions")
	assert.False(t, ok)

	p, ok = s.MatchingRejection(sec, "DELETE /repos/acme")
	assert.True(t, ok)
	assert.Equal(t, "DELETE *", p)
}

func TestErroringPatternNeverMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	doc := `{"h.test": {"secrets": [{"secret": "f", "secretEnvVarName": "E",
		"grants": ["GRAPHQL mutation m(a: $BOGUS)", "GRAPHQL mutation *"], "rejections": []}]}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	s, err := Load(path, nil)
	require.NoError(t, err)

	sec := &Secret{Host: "h.test", FakeSecret: "f"}
	p, ok := s.MatchingGrant(sec, `GRAPHQL mutation m(a: "x")`)
	assert.True(t, ok, "scan continues past the erroring pattern")
	assert.Equal(t, "GRAPHQL mutation *", p)
}

func TestAddGrantPersistsAndIsIdempotent(t *testing.T) {
	s, path := loadTestStore(t)
	sec := &Secret{Host: "api.forge.test", FakeSecret: "fake-token-1"}

	require.NoError(t, s.AddGrant(sec, "POST /issues"))
	require.NoError(t, s.AddGrant(sec, "POST /issues"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"), "persisted document ends with newline")

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t,
		[]string{"GET /user", "GET /repos/*/actions", "POST /issues"},
		doc["api.forge.test"].Secrets[0].Grants,
		"idempotent append preserves insertion order")

	_, ok := s.MatchingGrant(sec, "POST /issues")
	assert.True(t, ok)
}

func TestAddRejectionUnknownSecret(t *testing.T) {
	s, _ := loadTestStore(t)
	err := s.AddRejection(&Secret{Host: "nope", FakeSecret: "x"}, "GET *")
	assert.ErrorIs(t, err, ErrUnknownSecret)
}

func TestResolveRealSecret(t *testing.T) {
	s, _ := loadTestStore(t)
	t.Setenv("FORGE_TOKEN", "real-secret-value")

	v, err := s.ResolveRealSecret(&Secret{Host: "api.forge.test", EnvVarName: "FORGE_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, "real-secret-value", v)

	_, err = s.ResolveRealSecret(&Secret{Host: "api.forge.test", EnvVarName: "UNSET_VAR_12345"})
	assert.ErrorIs(t, err, ErrNoRealSecret)

	_, err = s.ResolveRealSecret(&Secret{Host: "api.forge.test"})
	assert.ErrorIs(t, err, ErrNoRealSecret)
}

func TestIsGraphQLEndpoint(t *testing.T) {
	s, _ := loadTestStore(t)
	assert.True(t, s.IsGraphQLEndpoint("api.forge.test", "/graphql"))
	assert.True(t, s.IsGraphQLEndpoint("api.forge.test", "/graphql?query=x"))
	assert.False(t, s.IsGraphQLEndpoint("api.forge.test", "/rest"))
	assert.False(t, s.IsGraphQLEndpoint("other.test", "/graphql"))
}

func TestReloadReplacesState(t *testing.T) {
	s, path := loadTestStore(t)
	sec := &Secret{Host: "api.forge.test", FakeSecret: "fake-token-1"}

	edited := strings.Replace(testDoc, `"GET /user", `, "", 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))
	require.NoError(t, s.Reload())

	_, ok := s.MatchingGrant(sec, "GET /user")
	assert.False(t, ok, "grant revoked by out-of-band edit")
}
