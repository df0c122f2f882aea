package approvals

import (
	"context"
	"errors"
	"time"

	"github.com/tokengate/tokengate/pkg/types"
)

// ErrTimeout accompanies the RejectOnce decision produced when a prompt
// expires, so callers can report the rejection as a timeout.
var ErrTimeout = errors.New("approval timeout")

// Request describes one approval prompt shown to the operator. MethodLabel
// is the HTTP method for the HTTP flow or the literal "GRAPHQL" for the
// GraphQL flow; Resource is the path (with query) or the operation type plus
// field expression. Secrets never appear here.
type Request struct {
	ID        string                `json:"id"`
	CreatedAt time.Time             `json:"created_at"`
	ExpiresAt time.Time             `json:"expires_at"`
	Host      string                `json:"host"`
	Method    string                `json:"method"`
	Resource  string                `json:"resource"`
	Options   []types.PatternOption `json:"options"`
}

// Transport obtains the operator's decision for a request. Implementations
// must support many concurrent outstanding requests and honor ctx
// cancellation by withdrawing the prompt. A transport-side timeout resolves
// to RejectOnce accompanied by ErrTimeout.
type Transport interface {
	RequestApproval(ctx context.Context, req Request) (types.Decision, error)
}
