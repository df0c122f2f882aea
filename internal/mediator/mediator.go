// Package mediator runs the per-request decision state machine: detect a
// fake secret, classify the request as HTTP or GraphQL, consult stored
// rejections then grants, obtain operator approval when neither decides, and
// settle on forwarding (with the fake secret substituted) or rejecting.
//
// The machine is fail-closed: any uncertainty on a request that carries a
// fake secret resolves to a rejection, never to silent forwarding.
package mediator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tokengate/tokengate/internal/approvals"
	"github.com/tokengate/tokengate/internal/events"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/openapi"
	"github.com/tokengate/tokengate/internal/policy"
	"github.com/tokengate/tokengate/internal/secrets"
	"github.com/tokengate/tokengate/internal/suggest"
	"github.com/tokengate/tokengate/pkg/types"
)

// State names the stages of the per-request machine; it appears in logs.
type State int

const (
	StateReceived State = iota
	StateClassified
	StateDecided
	StateForwarded
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateClassified:
		return "classified"
	case StateDecided:
		return "decided"
	case StateForwarded:
		return "forwarded"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Request is the normalized inbound request. Body is fully buffered for
// methods that carry one.
type Request struct {
	Method string
	Host   string // hostname without port
	URL    *url.URL
	Header http.Header
	Body   []byte
}

func (r *Request) path() string {
	return r.URL.EscapedPath()
}

func (r *Request) pathWithQuery() string {
	if r.URL.RawQuery == "" {
		return r.URL.EscapedPath()
	}
	return r.URL.EscapedPath() + "?" + r.URL.RawQuery
}

// Action is the settled disposition of a request.
type Action int

const (
	// ActionForward forwards with Result.Header (substituted or cloned).
	ActionForward Action = iota
	// ActionReject answers the client directly with Result.Status.
	ActionReject
)

// Result is the outcome of mediation. For ActionForward, Header is the
// outbound header set with the Host header stripped and, when Substituted,
// every occurrence of the fake secret replaced by the real one.
type Result struct {
	Action      Action
	Status      int
	Message     string
	Header      http.Header
	Substituted bool
}

func reject(status int, message string) Result {
	return Result{Action: ActionReject, Status: status, Message: message}
}

// Mediator wires the collaborators of the decision flow. Transport may be
// nil, in which case every request needing approval is rejected.
type Mediator struct {
	Policies  *policy.Store
	Transport approvals.Transport
	OpenAPI   *openapi.Index
	Emitter   *events.Emitter
	Collector *metrics.Collector
	Logger    *slog.Logger
}

func (m *Mediator) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Mediate decides a request. It may suspend on the approval transport for
// up to its configured timeout; cancelling ctx (client disconnect) withdraws
// all prompts the request spawned.
func (m *Mediator) Mediate(ctx context.Context, req *Request) Result {
	sec := m.Policies.FindSecretConfig(req.Host, req.Header)
	if sec == nil {
		// No fake secret: out of policy scope, forward bit-for-bit minus the
		// Host header.
		m.Collector.IncRequest("passthrough")
		m.Emitter.Emit(ctx, types.Event{
			Type: events.TypeRequestPassthrough, Host: req.Host, Method: req.Method, Path: req.path(),
		})
		return Result{Action: ActionForward, Header: secrets.CloneHeaders(req.Header)}
	}

	if m.Policies.IsGraphQLEndpoint(req.Host, req.path()) {
		return m.mediateGraphQL(ctx, req, sec)
	}
	return m.mediateHTTP(ctx, req, sec)
}

func (m *Mediator) mediateHTTP(ctx context.Context, req *Request, sec *policy.Secret) Result {
	key := req.Method + " " + req.path()
	log := m.logger().With("state", StateClassified, "host", req.Host, "key", key)

	if pat, ok := m.Policies.MatchingRejection(sec, key); ok {
		log.Warn("permanent rejection matched pattern", "pattern", pat)
		return m.rejected(ctx, req, pat, "rejected permanently")
	}
	if pat, ok := m.Policies.MatchingGrant(sec, key); ok {
		log.Info("permanent grant matched pattern", "pattern", pat)
		return m.forwardSubstituted(ctx, req, sec)
	}
	if m.Transport == nil {
		log.Warn("no approval handler bound")
		return m.rejected(ctx, req, "", "rejected: no approval handler")
	}

	template := m.OpenAPI.Lookup(req.Host, req.Method, req.path())
	options := suggest.HTTP(req.Method, req.pathWithQuery(), template)

	decision, err := m.Transport.RequestApproval(ctx, approvals.Request{
		Host:     req.Host,
		Method:   req.Method,
		Resource: req.pathWithQuery(),
		Options:  options,
	})
	if err != nil {
		if errors.Is(err, approvals.ErrTimeout) {
			return m.rejected(ctx, req, "", "rejected: approval timeout")
		}
		log.Warn("approval transport error", "error", err)
		return m.rejected(ctx, req, "", "rejected: approval unavailable")
	}

	switch decision.Kind {
	case types.AllowOnce:
		log.Info("approved once")
		return m.forwardSubstituted(ctx, req, sec)
	case types.AllowForever:
		m.addGrant(ctx, req, sec, decision.Pattern)
		return m.forwardSubstituted(ctx, req, sec)
	case types.RejectForever:
		m.addRejection(ctx, req, sec, decision.Pattern)
		return m.rejected(ctx, req, decision.Pattern, "rejected permanently")
	default:
		log.Info("rejected once")
		return m.rejected(ctx, req, "", "rejected")
	}
}

func (m *Mediator) forwardSubstituted(ctx context.Context, req *Request, sec *policy.Secret) Result {
	realSecret, err := m.Policies.ResolveRealSecret(sec)
	if err != nil {
		m.logger().Error("no real secret configured", "host", req.Host, "env_var", sec.EnvVarName)
		m.Collector.IncRequest("error")
		return reject(http.StatusInternalServerError, "no real secret configured")
	}
	m.Collector.IncRequest("forwarded")
	m.Emitter.Emit(ctx, types.Event{
		Type: events.TypeRequestForwarded, Host: req.Host, Method: req.Method, Path: req.path(),
	})
	return Result{
		Action:      ActionForward,
		Header:      secrets.RewriteHeaders(req.Header, sec.FakeSecret, realSecret),
		Substituted: true,
	}
}

func (m *Mediator) rejected(ctx context.Context, req *Request, pattern, message string) Result {
	m.Collector.IncRequest("rejected")
	m.Emitter.Emit(context.WithoutCancel(ctx), types.Event{
		Type: events.TypeRequestRejected, Host: req.Host, Method: req.Method, Path: req.path(),
		Pattern: pattern, Fields: map[string]any{"reason": message},
	})
	return reject(http.StatusForbidden, message)
}

func (m *Mediator) addGrant(ctx context.Context, req *Request, sec *policy.Secret, pattern string) {
	if err := m.Policies.AddGrant(sec, pattern); err != nil {
		m.logger().Error("persist grant", "pattern", pattern, "error", err)
		return
	}
	m.logger().Info("approved forever with pattern", "host", req.Host, "pattern", pattern)
	m.Emitter.Emit(ctx, types.Event{
		Type: events.TypeGrantAdded, Host: req.Host, Pattern: pattern,
	})
}

func (m *Mediator) addRejection(ctx context.Context, req *Request, sec *policy.Secret, pattern string) {
	if err := m.Policies.AddRejection(sec, pattern); err != nil {
		m.logger().Error("persist rejection", "pattern", pattern, "error", err)
		return
	}
	m.logger().Info("rejected forever with pattern", "host", req.Host, "pattern", pattern)
	m.Emitter.Emit(context.WithoutCancel(ctx), types.Event{
		Type: events.TypeRejectionAdded, Host: req.Host, Pattern: pattern,
	})
}
