package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCurrencyFallback(t *testing.T) {
	before := testutil.ToFloat64(currencyFallbacks.WithLabelValues("JPY"))
	RecordCurrencyFallback("jpy")
	RecordCurrencyFallback("JPY")
	assert.Equal(t, before+2, testutil.ToFloat64(currencyFallbacks.WithLabelValues("JPY")))

	unknown := testutil.ToFloat64(currencyFallbacks.WithLabelValues("unknown"))
	RecordCurrencyFallback("")
	RecordCurrencyFallback("  ")
	assert.Equal(t, unknown+2, testutil.ToFloat64(currencyFallbacks.WithLabelValues("unknown")))
	assert.Zero(t, testutil.ToFloat64(currencyFallbacks.WithLabelValues("UNKNOWN")))
}

func TestRecordAdapterAttempt(t *testing.T) {
	found := testutil.ToFloat64(adapterResults.WithLabelValues("ebay", "found"))
	empty := testutil.ToFloat64(adapterResults.WithLabelValues("ebay", "no_result"))

	RecordAdapterAttempt("ebay", true, 50*time.Millisecond)
	RecordAdapterAttempt("ebay", false, 20*time.Millisecond)

	assert.Equal(t, found+1, testutil.ToFloat64(adapterResults.WithLabelValues("ebay", "found")))
	assert.Equal(t, empty+1, testutil.ToFloat64(adapterResults.WithLabelValues("ebay", "no_result")))
}

func TestRecordJobRunAndGate(t *testing.T) {
	before := testutil.ToFloat64(jobRuns.WithLabelValues("retry"))
	RecordJobRun("retry", time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(jobRuns.WithLabelValues("retry")))

	g := testutil.ToFloat64(gateDecisions.WithLabelValues("scraped-external", "external_only"))
	RecordGateDecision("scraped-external", "external_only")
	assert.Equal(t, g+1, testutil.ToFloat64(gateDecisions.WithLabelValues("scraped-external", "external_only")))

	SetFailedJobs(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(failedJobs))
}

func TestInstrumentHandler_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/assets/{id}/price", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/assets/{id}/price", "404"))
	for _, id := range []string{"a1", "a2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/"+id+"/price", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, before+2, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/assets/{id}/price", "404")))
}

func TestHandler_ExposesOracleMetrics(t *testing.T) {
	RecordCurrencyFallback("EUR")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "oracle_currency_fallbacks_total")
}
