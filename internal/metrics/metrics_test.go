package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"upstream", "https://pncp.gov.br/api/consulta/v1/contratacoes/publicacao?pagina=1", "pncp.gov.br"},
		{"mixed case", "https://PNCP.gov.br/path", "pncp.gov.br"},
		{"no scheme", "pncp.gov.br/api", "pncp.gov.br"},
		{"host with port", "127.0.0.1:8080", "127.0.0.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitAndObservers(t *testing.T) {
	Init()
	Init()

	if upstreamRequestsTotal == nil || storeOperationsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(upstreamRequestsTotal.WithLabelValues("observer.test", "2xx"))
	ObserveUpstream("https://observer.test/x", "2xx", 512)
	if got := testutil.ToFloat64(upstreamRequestsTotal.WithLabelValues("observer.test", "2xx")); got != before+1 {
		t.Errorf("expected upstream counter to grow by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(upstreamBytesTotal.WithLabelValues("observer.test")); got < 512 {
		t.Errorf("expected at least 512 bytes recorded, got %f", got)
	}

	okBefore := testutil.ToFloat64(storeOperationsTotal.WithLabelValues("upsert_test", "ok"))
	ObserveStoreOp("upsert_test", nil)
	ObserveStoreOp("upsert_test", errors.New("boom"))
	if got := testutil.ToFloat64(storeOperationsTotal.WithLabelValues("upsert_test", "ok")); got != okBefore+1 {
		t.Errorf("expected ok counter to grow by 1, got %f", got)
	}
	if got := testutil.ToFloat64(storeOperationsTotal.WithLabelValues("upsert_test", "error")); got < 1 {
		t.Errorf("expected error counter to be recorded, got %f", got)
	}

	ObserveRateLimitDelay("observer.test", 20*time.Millisecond)
	IncActiveWorkers()
	DecActiveWorkers()
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"https://pncp.gov.br", "http://localhost:8080", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, input string) {
		if SanitizeHost(input) == "" {
			t.Errorf("SanitizeHost(%q) returned empty string", input)
		}
	})
}
