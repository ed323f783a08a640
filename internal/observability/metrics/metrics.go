package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Event counters recorded by the scheduler and transport layers.
const (
	EventRateLimited     = "rate_limited"
	EventLoginRetry      = "login_retry"
	EventMatchStarted    = "match_started"
	EventAlreadyQueued   = "already_queued"
	EventQuotaReconciled = "quota_reconciled"
	EventTxConfirmed     = "tx_confirmed"
	EventTxSwallowed     = "tx_gateway_timeout"
)

type callKey struct {
	endpoint string
	method   string
	code     string
}

type latencyKey struct {
	endpoint string
	method   string
}

type eventKey struct {
	wallet string
	event  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu      sync.Mutex
	calls   map[callKey]uint64
	latency map[latencyKey]*histogram
	events  map[eventKey]uint64
}

func newCollector() *collector {
	return &collector{
		calls:   make(map[callKey]uint64),
		latency: make(map[latencyKey]*histogram),
		events:  make(map[eventKey]uint64),
	}
}

var defaultCollector = newCollector()

// ObserveAPICall records one backend round trip. endpoint should be the route
// template (e.g. /agents/user/:id) so label cardinality stays bounded.
func ObserveAPICall(endpoint, method string, status int, duration time.Duration) {
	defaultCollector.observe(endpoint, method, status, duration)
}

// IncEvent bumps a per-wallet event counter.
func IncEvent(wallet, event string) {
	defaultCollector.inc(wallet, event)
}

// EventCount reports the current value of a per-wallet counter.
func EventCount(wallet, event string) uint64 {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	return defaultCollector.events[eventKey{wallet: wallet, event: event}]
}

func (c *collector) observe(endpoint, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls[callKey{endpoint: endpoint, method: method, code: strconv.Itoa(status)}]++

	key := latencyKey{endpoint: endpoint, method: method}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) inc(wallet, event string) {
	c.mu.Lock()
	c.events[eventKey{wallet: wallet, event: event}]++
	c.mu.Unlock()
}

func newHistogram() *histogram {
	buckets := []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	calls := make([]callKey, 0, len(c.calls))
	for key := range c.calls {
		calls = append(calls, key)
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].endpoint != calls[j].endpoint {
			return calls[i].endpoint < calls[j].endpoint
		}
		if calls[i].method != calls[j].method {
			return calls[i].method < calls[j].method
		}
		return calls[i].code < calls[j].code
	})

	lats := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		lats = append(lats, key)
	}
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].endpoint != lats[j].endpoint {
			return lats[i].endpoint < lats[j].endpoint
		}
		return lats[i].method < lats[j].method
	})

	events := make([]eventKey, 0, len(c.events))
	for key := range c.events {
		events = append(events, key)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].wallet != events[j].wallet {
			return events[i].wallet < events[j].wallet
		}
		return events[i].event < events[j].event
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP fractal_api_calls_total Backend API calls by route and status.\n")
	builder.WriteString("# TYPE fractal_api_calls_total counter\n")
	for _, key := range calls {
		fmt.Fprintf(&builder, "fractal_api_calls_total{endpoint=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.endpoint), escape(key.method), escape(key.code), c.calls[key])
	}

	builder.WriteString("# HELP fractal_api_call_duration_seconds Backend API call latency.\n")
	builder.WriteString("# TYPE fractal_api_call_duration_seconds histogram\n")
	for _, key := range lats {
		hist := c.latency[key]
		labels := fmt.Sprintf("endpoint=\"%s\",method=\"%s\"", escape(key.endpoint), escape(key.method))
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&builder, "fractal_api_call_duration_seconds_bucket{%s,le=\"%s\"} %d\n", labels, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&builder, "fractal_api_call_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, hist.count)
		fmt.Fprintf(&builder, "fractal_api_call_duration_seconds_sum{%s} %s\n", labels, formatFloat(hist.sum))
		fmt.Fprintf(&builder, "fractal_api_call_duration_seconds_count{%s} %d\n", labels, hist.count)
	}

	builder.WriteString("# HELP fractal_wallet_events_total Scheduler events per wallet.\n")
	builder.WriteString("# TYPE fractal_wallet_events_total counter\n")
	for _, key := range events {
		fmt.Fprintf(&builder, "fractal_wallet_events_total{wallet=\"%s\",event=\"%s\"} %d\n",
			escape(key.wallet), escape(key.event), c.events[key])
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
