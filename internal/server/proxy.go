package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tokengate/tokengate/internal/events"
	"github.com/tokengate/tokengate/internal/mediator"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/pkg/types"
)

// proxyHandler terminates guest requests, runs them through the mediator and
// forwards the survivors upstream. One instance serves the plaintext
// listener with scheme http and another the TLS listener with scheme https.
type proxyHandler struct {
	scheme       string
	mediator     *mediator.Mediator
	upstream     *http.Client
	emitter      *events.Emitter
	collector    *metrics.Collector
	logger       *slog.Logger
	maxBodyBytes int64
}

// newUpstreamClient builds the forwarding client. Compression is disabled so
// upstream response bytes pass through untouched, and redirects are returned
// to the guest rather than followed.
func newUpstreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DisableCompression:    true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if int64(len(body)) > h.maxBodyBytes {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	req := &mediator.Request{
		Method: r.Method,
		Host:   host,
		URL:    r.URL,
		Header: r.Header,
		Body:   body,
	}

	result := h.mediator.Mediate(r.Context(), req)
	if result.Action == mediator.ActionReject {
		http.Error(w, result.Message, result.Status)
		return
	}
	h.forward(w, r, req, result)
}

func (h *proxyHandler) forward(w http.ResponseWriter, r *http.Request, req *mediator.Request, result mediator.Result) {
	upstreamURL := h.scheme + "://" + r.Host + r.URL.RequestURI()

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(r.Context(), req.Method, upstreamURL, bodyReader)
	if err != nil {
		http.Error(w, fmt.Sprintf("build upstream request: %v", err), http.StatusBadGateway)
		return
	}
	out.Header = result.Header
	if req.Body != nil {
		out.ContentLength = int64(len(req.Body))
	}

	resp, err := h.upstream.Do(out)
	if err != nil {
		h.collector.IncUpstreamError()
		h.emitter.Emit(context.WithoutCancel(r.Context()), types.Event{
			Type: events.TypeUpstreamError, Host: req.Host, Method: req.Method, Path: r.URL.EscapedPath(),
			Fields: map[string]any{"error": err.Error()},
		})
		h.logger.Error("upstream request failed", "host", req.Host, "method", req.Method, "error", err)
		http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		header[key] = values
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Warn("copy upstream response", "host", req.Host, "error", err)
	}
}

// hostOnly strips an optional port.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
