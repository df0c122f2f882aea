// Package metrics provides a minimal Prometheus-compatible exporter for the
// proxy's mediation counters.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Collector struct {
	startedAt time.Time

	requestsTotal    atomic.Uint64
	byOutcome        sync.Map // outcome -> *atomic.Uint64
	approvalsPending atomic.Int64
	upstreamErrors   atomic.Uint64

	approvalLatencyMu    sync.Mutex
	approvalLatencySum   time.Duration
	approvalLatencyCount uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncRequest records a completed request with its outcome, e.g.
// "passthrough", "forwarded", "rejected", "error".
func (c *Collector) IncRequest(outcome string) {
	if c == nil {
		return
	}
	c.requestsTotal.Add(1)
	if outcome == "" {
		outcome = "unknown"
	}
	ptr, _ := c.byOutcome.LoadOrStore(outcome, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncUpstreamError() {
	if c == nil {
		return
	}
	c.upstreamErrors.Add(1)
}

func (c *Collector) ApprovalStarted() {
	if c == nil {
		return
	}
	c.approvalsPending.Add(1)
}

func (c *Collector) ApprovalFinished(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.approvalsPending.Add(-1)
	c.approvalLatencyMu.Lock()
	c.approvalLatencySum += elapsed
	c.approvalLatencyCount++
	c.approvalLatencyMu.Unlock()
}

// Handler serves the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, c.render())
	})
}

func (c *Collector) render() string {
	var b strings.Builder

	b.WriteString("# HELP tokengate_requests_total Proxied requests by outcome.\n")
	b.WriteString("# TYPE tokengate_requests_total counter\n")
	type kv struct {
		k string
		v uint64
	}
	var outcomes []kv
	c.byOutcome.Range(func(key, value any) bool {
		outcomes = append(outcomes, kv{key.(string), value.(*atomic.Uint64).Load()})
		return true
	})
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].k < outcomes[j].k })
	for _, o := range outcomes {
		fmt.Fprintf(&b, "tokengate_requests_total{outcome=%q} %d\n", o.k, o.v)
	}

	b.WriteString("# HELP tokengate_approvals_pending Approval prompts currently outstanding.\n")
	b.WriteString("# TYPE tokengate_approvals_pending gauge\n")
	fmt.Fprintf(&b, "tokengate_approvals_pending %d\n", c.approvalsPending.Load())

	b.WriteString("# HELP tokengate_upstream_errors_total Upstream forwarding failures.\n")
	b.WriteString("# TYPE tokengate_upstream_errors_total counter\n")
	fmt.Fprintf(&b, "tokengate_upstream_errors_total %d\n", c.upstreamErrors.Load())

	c.approvalLatencyMu.Lock()
	sum, count := c.approvalLatencySum, c.approvalLatencyCount
	c.approvalLatencyMu.Unlock()
	b.WriteString("# HELP tokengate_approval_latency_seconds Total time spent awaiting operator decisions.\n")
	b.WriteString("# TYPE tokengate_approval_latency_seconds summary\n")
	fmt.Fprintf(&b, "tokengate_approval_latency_seconds_sum %f\n", sum.Seconds())
	fmt.Fprintf(&b, "tokengate_approval_latency_seconds_count %d\n", count)

	fmt.Fprintf(&b, "# HELP tokengate_uptime_seconds Seconds since the collector started.\n")
	fmt.Fprintf(&b, "# TYPE tokengate_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "tokengate_uptime_seconds %f\n", time.Since(c.startedAt).Seconds())

	return b.String()
}
