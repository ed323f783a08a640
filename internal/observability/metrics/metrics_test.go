package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRendersCallsAndEvents(t *testing.T) {
	ObserveAPICall("/auth/nonce", http.MethodGet, 200, 120*time.Millisecond)
	ObserveAPICall("/auth/nonce", http.MethodGet, 429, 40*time.Millisecond)
	IncEvent("0xabc", EventMatchStarted)
	IncEvent("0xabc", EventMatchStarted)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`fractal_api_calls_total{endpoint="/auth/nonce",method="GET",code="200"} 1`,
		`fractal_api_calls_total{endpoint="/auth/nonce",method="GET",code="429"} 1`,
		`fractal_api_call_duration_seconds_count{endpoint="/auth/nonce",method="GET"} 2`,
		`fractal_wallet_events_total{wallet="0xabc",event="match_started"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n%s", want, body)
		}
	}
	if got := EventCount("0xabc", EventMatchStarted); got != 2 {
		t.Fatalf("unexpected event count %d", got)
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := newHistogram()
	h.observe(0.3)
	h.observe(100)
	if h.count != 2 {
		t.Fatalf("unexpected count %d", h.count)
	}
	// 0.3 falls in the 0.5 bucket and every larger one; 100 only in +Inf.
	if h.counts[0] != 0 || h.counts[2] != 1 || h.counts[len(h.counts)-1] != 1 {
		t.Fatalf("unexpected bucket counts %v", h.counts)
	}
}
