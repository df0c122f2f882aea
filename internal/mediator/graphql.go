package mediator

import (
	"context"
	"errors"
	"net/http"

	"github.com/tokengate/tokengate/internal/approvals"
	"github.com/tokengate/tokengate/internal/graphql"
	"github.com/tokengate/tokengate/internal/policy"
	"github.com/tokengate/tokengate/internal/suggest"
	"github.com/tokengate/tokengate/pkg/types"
)

// fieldKey is one top-level field with its derived request key.
type fieldKey struct {
	opType string
	field  graphql.Field
	key    string
}

// mediateGraphQL implements the GraphQL sub-flow: normalize, reject if any
// field matches a stored rejection, then approve every ungranted field, in
// parallel when there is more than one. A GraphQL request is atomic on the
// wire, so the first rejection cancels the sibling prompts and rejects the
// whole request.
func (m *Mediator) mediateGraphQL(ctx context.Context, req *Request, sec *policy.Secret) Result {
	var parsed *graphql.Request
	var err error
	if req.Method == http.MethodGet {
		parsed, err = graphql.ParseQueryParams(req.URL.Query())
	} else {
		parsed, err = graphql.ParseBody(req.Body)
	}
	if err != nil {
		m.logger().Warn("malformed GraphQL request", "host", req.Host, "error", err)
		m.Collector.IncRequest("malformed")
		return reject(http.StatusBadRequest, "malformed GraphQL request")
	}

	var keys []fieldKey
	for _, f := range parsed.Queries {
		keys = append(keys, fieldKey{opType: "query", field: f, key: "GRAPHQL query " + f.Expr()})
	}
	for _, f := range parsed.Mutations {
		keys = append(keys, fieldKey{opType: "mutation", field: f, key: "GRAPHQL mutation " + f.Expr()})
	}

	log := m.logger().With("state", StateClassified, "host", req.Host)

	// Rejections take precedence over everything and short-circuit before
	// any prompt is issued.
	for _, k := range keys {
		if pat, ok := m.Policies.MatchingRejection(sec, k.key); ok {
			log.Warn("permanent rejection matched pattern", "key", k.key, "pattern", pat)
			return m.rejected(ctx, req, pat, "rejected permanently")
		}
	}

	var needsApproval []fieldKey
	for _, k := range keys {
		if pat, ok := m.Policies.MatchingGrant(sec, k.key); ok {
			log.Info("permanent grant matched pattern", "key", k.key, "pattern", pat)
			continue
		}
		needsApproval = append(needsApproval, k)
	}
	if len(needsApproval) == 0 {
		return m.forwardSubstituted(ctx, req, sec)
	}
	if m.Transport == nil {
		log.Warn("no approval handler bound")
		return m.rejected(ctx, req, "", "rejected: no approval handler")
	}

	outcome := m.approveFields(ctx, req, needsApproval)
	if outcome.rejected {
		if outcome.rejectPattern != "" {
			m.addRejection(ctx, req, sec, outcome.rejectPattern)
			return m.rejected(ctx, req, outcome.rejectPattern, "rejected permanently")
		}
		return m.rejected(ctx, req, "", outcome.rejectMessage)
	}

	// Grants persist only when every sibling allowed: a forever grant given
	// alongside a rejected sibling would record an approval for a request
	// that never went through.
	for _, pat := range outcome.grantPatterns {
		m.addGrant(ctx, req, sec, pat)
	}
	return m.forwardSubstituted(ctx, req, sec)
}

type approvalOutcome struct {
	rejected      bool
	rejectPattern string
	rejectMessage string
	grantPatterns []string
}

// approveFields prompts for every field, in parallel past one. The prompts
// share a cancellation context: the first rejection (or the client
// disconnecting) withdraws the rest.
func (m *Mediator) approveFields(ctx context.Context, req *Request, fields []fieldKey) approvalOutcome {
	approvalCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type fieldResult struct {
		fk       fieldKey
		decision types.Decision
		err      error
	}
	results := make(chan fieldResult, len(fields))
	for _, fk := range fields {
		go func(fk fieldKey) {
			decision, err := m.Transport.RequestApproval(approvalCtx, approvals.Request{
				Host:     req.Host,
				Method:   "GRAPHQL",
				Resource: fk.opType + " " + fk.field.Expr(),
				Options:  suggest.GraphQL(fk.opType, fk.field),
			})
			results <- fieldResult{fk: fk, decision: decision, err: err}
		}(fk)
	}

	outcome := approvalOutcome{}
	for range fields {
		r := <-results
		if outcome.rejected {
			// Already settled; remaining results are cancellations being
			// drained.
			continue
		}
		switch {
		case r.err != nil && errors.Is(r.err, approvals.ErrTimeout):
			outcome.rejected = true
			outcome.rejectMessage = "rejected: approval timeout"
		case r.err != nil && ctx.Err() != nil:
			outcome.rejected = true
			outcome.rejectMessage = "rejected: cancelled"
		case r.err != nil:
			m.logger().Warn("approval transport error", "key", r.fk.key, "error", r.err)
			outcome.rejected = true
			outcome.rejectMessage = "rejected: approval unavailable"
		case r.decision.Kind == types.AllowOnce:
		case r.decision.Kind == types.AllowForever:
			outcome.grantPatterns = append(outcome.grantPatterns, r.decision.Pattern)
		case r.decision.Kind == types.RejectForever:
			outcome.rejected = true
			outcome.rejectPattern = r.decision.Pattern
		default:
			outcome.rejected = true
			outcome.rejectMessage = "rejected"
		}
		if outcome.rejected {
			cancel()
		}
	}
	return outcome
}
