package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/internal/approvals"
	"github.com/tokengate/tokengate/internal/config"
)

// startTestProxy brings up an upstream echo server and a proxy configured to
// mediate fake-tok for it.
func startTestProxy(t *testing.T, grants, rejections []string) (srv *Server, upstreamHost string) {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Echo-Authorization", r.Header.Get("Authorization"))
		w.Header().Set("Echo-Path", r.URL.RequestURI())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream ok"))
	}))
	t.Cleanup(upstream.Close)

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	grantsJSON, _ := json.Marshal(grants)
	rejectionsJSON, _ := json.Marshal(rejections)
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.json")
	doc := fmt.Sprintf(`{
  "127.0.0.1": {
    "graphqlEndpoints": ["/graphql"],
    "secrets": [
      {"secret": "fake-tok", "secretEnvVarName": "TEST_REAL_TOKEN",
       "grants": %s, "rejections": %s}
    ]
  }
}`, grantsJSON, rejectionsJSON)
	require.NoError(t, os.WriteFile(policyPath, []byte(doc), 0o644))

	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.AdminAddr = "127.0.0.1:0"
	cfg.Policy.Path = policyPath
	cfg.Audit.JSONL.Path = filepath.Join(dir, "audit.jsonl")
	cfg.Approvals.Timeout = "5s"

	srv, err = New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, err = srv.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
	})

	return srv, u.Host
}

func proxyRequest(t *testing.T, proxyAddr, upstreamHost, method, uri string, header http.Header, body []byte) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://"+proxyAddr+uri, reader)
	require.NoError(t, err)
	req.Host = upstreamHost
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestPassthroughWithoutFakeSecret(t *testing.T) {
	srv, upstreamHost := startTestProxy(t, []string{}, []string{})

	resp := proxyRequest(t, srv.HTTPAddr(), upstreamHost, "GET", "/anything",
		http.Header{"Authorization": []string{"Bearer unrelated"}}, nil)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer unrelated", resp.Header.Get("Echo-Authorization"))
}

func TestGrantedRequestForwardsWithRealSecret(t *testing.T) {
	t.Setenv("TEST_REAL_TOKEN", "real-tok")
	srv, upstreamHost := startTestProxy(t, []string{"GET /echo"}, []string{})

	resp := proxyRequest(t, srv.HTTPAddr(), upstreamHost, "GET", "/echo?x=1",
		http.Header{"Authorization": []string{"Bearer fake-tok"}}, nil)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer real-tok", resp.Header.Get("Echo-Authorization"))
	assert.Equal(t, "/echo?x=1", resp.Header.Get("Echo-Path"), "query preserved on forward")
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "upstream ok", string(body))
}

func TestRejectedRequestIs403(t *testing.T) {
	srv, upstreamHost := startTestProxy(t, []string{}, []string{"DELETE *"})

	resp := proxyRequest(t, srv.HTTPAddr(), upstreamHost, "DELETE", "/repos/x",
		http.Header{"Authorization": []string{"Bearer fake-tok"}}, nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMissingRealSecretIs500(t *testing.T) {
	srv, upstreamHost := startTestProxy(t, []string{"GET /echo"}, []string{})

	resp := proxyRequest(t, srv.HTTPAddr(), upstreamHost, "GET", "/echo",
		http.Header{"Authorization": []string{"Bearer fake-tok"}}, nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestApprovalFlowThroughAdminAPI(t *testing.T) {
	t.Setenv("TEST_REAL_TOKEN", "real-tok")
	srv, upstreamHost := startTestProxy(t, []string{}, []string{})
	proxyAddr := srv.HTTPAddr()
	adminAddr := srv.AdminAddr()

	type result struct {
		status int
		auth   string
	}
	results := make(chan result, 1)
	go func() {
		resp := proxyRequest(t, proxyAddr, upstreamHost, "POST", "/issues",
			http.Header{"Authorization": []string{"Bearer fake-tok"}}, []byte(`{"title":"x"}`))
		defer resp.Body.Close()
		results <- result{status: resp.StatusCode, auth: resp.Header.Get("Echo-Authorization")}
	}()

	// Poll the pending list until the prompt appears.
	var approvalID string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + adminAddr + "/v1/approvals")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var out struct {
			Approvals []approvals.Request `json:"approvals"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Approvals) == 0 {
			return false
		}
		approvalID = out.Approvals[0].ID
		assert.Equal(t, "POST", out.Approvals[0].Method)
		assert.Equal(t, "/issues", out.Approvals[0].Resource)
		assert.NotEmpty(t, out.Approvals[0].Options)
		return true
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post("http://"+adminAddr+"/v1/approvals/"+approvalID,
		"application/json", bytes.NewReader([]byte(`{"kind":"allow_once"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := <-results
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "Bearer real-tok", r.auth)
}

func TestAdminMetricsAndHealth(t *testing.T) {
	srv, _ := startTestProxy(t, []string{}, []string{})
	adminAddr := srv.AdminAddr()

	resp, err := http.Get("http://" + adminAddr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + adminAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "tokengate_")
}

func TestUpstreamFailureIs502(t *testing.T) {
	t.Setenv("TEST_REAL_TOKEN", "real-tok")
	srv, _ := startTestProxy(t, []string{"GET *"}, []string{})

	// Point the Host header at a closed port.
	resp := proxyRequest(t, srv.HTTPAddr(), "127.0.0.1:1", "GET", "/echo",
		http.Header{"Authorization": []string{"Bearer fake-tok"}}, nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
