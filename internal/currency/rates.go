package currency

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/sells-group/price-oracle/internal/resilience"
)

// DefaultRatesURL serves a USD-based rate table without an API key.
const DefaultRatesURL = "https://open.er-api.com/v6/latest/USD"

// RateSource returns a table of units-per-USD keyed by ISO 4217 code.
type RateSource interface {
	Rates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// HTTPRateSource fetches a rate table from an exchangerate-style JSON API.
// Both the "rates" and "conversion_rates" response shapes are accepted.
type HTTPRateSource struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

// HTTPOption configures an HTTPRateSource.
type HTTPOption func(*HTTPRateSource)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPRateSource) { s.client = c }
}

// WithRetry overrides the retry policy for rate fetches.
func WithRetry(cfg resilience.RetryConfig) HTTPOption {
	return func(s *HTTPRateSource) { s.retry = cfg }
}

// NewHTTPRateSource creates a rate source for url. An empty url uses
// DefaultRatesURL.
func NewHTTPRateSource(url string, timeout time.Duration, opts ...HTTPOption) *HTTPRateSource {
	if url == "" {
		url = DefaultRatesURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("rates", "fetch")
	s := &HTTPRateSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  retry,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Rates fetches the current table.
func (s *HTTPRateSource) Rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := resilience.DoVal(ctx, s.retry, s.fetch)
	if err != nil {
		return nil, eris.Wrap(err, "currency: fetch rates")
	}
	return parseRates(body)
}

func (s *HTTPRateSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "currency: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "currency: read body")
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("currency: rates status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	return body, nil
}

func parseRates(body []byte) (map[string]decimal.Decimal, error) {
	if !gjson.ValidBytes(body) {
		return nil, eris.New("currency: malformed rates response")
	}
	doc := gjson.ParseBytes(body)
	if r := doc.Get("result"); r.Exists() && r.String() != "success" {
		return nil, eris.Errorf("currency: rates api result %q", r.String())
	}

	table := doc.Get("rates")
	if !table.Exists() {
		table = doc.Get("conversion_rates")
	}
	if !table.IsObject() {
		return nil, eris.New("currency: rates response has no rate table")
	}

	out := make(map[string]decimal.Decimal)
	var parseErr error
	table.ForEach(func(code, v gjson.Result) bool {
		d, err := decimal.NewFromString(v.Raw)
		if err != nil {
			parseErr = eris.Wrap(err, fmt.Sprintf("currency: rate for %s", code.String()))
			return false
		}
		out[code.String()] = d
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}
