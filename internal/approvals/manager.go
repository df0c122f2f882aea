// Package approvals implements the human-in-the-loop side of mediation: a
// pending-prompt table that suspended request handlers park on until the
// operator resolves them through the admin API, the prompt times out, or the
// request is cancelled.
package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokengate/tokengate/internal/events"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/pkg/types"
)

const defaultTimeout = 4 * time.Minute

// Manager is the default Transport. Prompts surface through ListPending (and
// the approval_requested events feeding webhooks and the live stream);
// resolutions arrive via Resolve.
type Manager struct {
	timeout    time.Duration
	totpSecret string
	emitter    *events.Emitter
	collector  *metrics.Collector
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

type pending struct {
	req Request
	ch  chan types.Decision
}

type Options struct {
	// Timeout bounds how long a prompt stays open; expiry resolves to
	// RejectOnce. Defaults to 4 minutes.
	Timeout time.Duration

	// TOTPSecret, when set, requires a valid code on forever resolutions.
	TOTPSecret string

	Emitter   *events.Emitter
	Collector *metrics.Collector
	Logger    *slog.Logger
}

func NewManager(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		timeout:    opts.Timeout,
		totpSecret: opts.TOTPSecret,
		emitter:    opts.Emitter,
		collector:  opts.Collector,
		logger:     opts.Logger,
		pending:    make(map[string]*pending),
	}
}

// ListPending returns the open prompts, oldest first.
func (m *Manager) ListPending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.pending))
	now := time.Now().UTC()
	for _, p := range m.pending {
		if p.req.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve delivers the operator's decision for a pending prompt. Forever
// decisions must name one of the offered patterns, and a TOTP code when the
// manager is configured with one.
func (m *Manager) Resolve(id string, decision types.Decision, totpCode string) error {
	if err := decision.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval %q", id)
	}

	if decision.Persistent() {
		if !optionOffered(p.req.Options, decision.Pattern) {
			return fmt.Errorf("pattern %q was not offered for approval %q", decision.Pattern, id)
		}
		if m.totpSecret != "" && !ValidateTOTPCode(totpCode, m.totpSecret) {
			return fmt.Errorf("invalid TOTP code")
		}
	}

	m.mu.Lock()
	if _, still := m.pending[id]; still {
		delete(m.pending, id)
	} else {
		m.mu.Unlock()
		return fmt.Errorf("no pending approval %q", id)
	}
	m.mu.Unlock()

	select {
	case p.ch <- decision:
	default:
	}
	return nil
}

func optionOffered(options []types.PatternOption, pattern string) bool {
	for _, o := range options {
		if o.Pattern == pattern {
			return true
		}
	}
	return false
}

// RequestApproval parks the caller until the prompt is resolved, times out,
// or ctx is cancelled. Timeout resolves to RejectOnce together with
// ErrTimeout; cancellation returns ctx's error after withdrawing the prompt.
func (m *Manager) RequestApproval(ctx context.Context, req Request) (types.Decision, error) {
	now := time.Now().UTC()
	if req.ID == "" {
		req.ID = "approval-" + uuid.NewString()
	}
	req.CreatedAt = now
	req.ExpiresAt = now.Add(m.timeout)

	p := &pending{req: req, ch: make(chan types.Decision, 1)}
	m.mu.Lock()
	m.pending[req.ID] = p
	m.mu.Unlock()

	m.collector.ApprovalStarted()
	defer func() { m.collector.ApprovalFinished(time.Since(now)) }()

	m.emitter.Emit(ctx, types.Event{
		Type:   events.TypeApprovalRequested,
		Host:   req.Host,
		Method: req.Method,
		Path:   req.Resource,
		Fields: map[string]any{"approval_id": req.ID, "options": req.Options},
	})
	m.logger.Info("approval requested",
		"id", req.ID, "host", req.Host, "method", req.Method, "resource", req.Resource)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case decision := <-p.ch:
		m.emitter.Emit(ctx, types.Event{
			Type:     events.TypeApprovalResolved,
			Host:     req.Host,
			Method:   req.Method,
			Path:     req.Resource,
			Pattern:  decision.Pattern,
			Decision: string(decision.Kind),
			Fields:   map[string]any{"approval_id": req.ID},
		})
		return decision, nil

	case <-ctx.Done():
		m.withdraw(req.ID)
		m.emitter.Emit(context.WithoutCancel(ctx), types.Event{
			Type:   events.TypeApprovalCancelled,
			Host:   req.Host,
			Method: req.Method,
			Path:   req.Resource,
			Fields: map[string]any{"approval_id": req.ID},
		})
		m.logger.Info("approval cancelled", "id", req.ID, "host", req.Host)
		return types.Decision{}, ctx.Err()

	case <-timer.C:
		m.withdraw(req.ID)
		decision := types.Decision{Kind: types.RejectOnce}
		m.emitter.Emit(ctx, types.Event{
			Type:     events.TypeApprovalResolved,
			Host:     req.Host,
			Method:   req.Method,
			Path:     req.Resource,
			Decision: string(decision.Kind),
			Fields:   map[string]any{"approval_id": req.ID, "timeout": true},
		})
		m.logger.Warn("approval timeout", "id", req.ID, "host", req.Host, "resource", req.Resource)
		return decision, ErrTimeout
	}
}

func (m *Manager) withdraw(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}
