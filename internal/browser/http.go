package browser

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/price-oracle/internal/resilience"
)

// DefaultUserAgent is sent when HTTPOptions.UserAgent is empty.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

const maxBodyBytes = 2 << 20

// HTTPOptions configures an HTTPBrowser.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Breaker    resilience.BreakerConfig
}

// HTTPBrowser fetches pages directly. Each host gets its own adaptive rate
// limiter and circuit breaker, and bot walls are reported as ErrBlocked.
type HTTPBrowser struct {
	client   *http.Client
	ua       string
	limiters *hostLimiters
	breakers *resilience.HostBreakers
}

// NewHTTPBrowser creates an HTTPBrowser.
func NewHTTPBrowser(opts HTTPOptions) *HTTPBrowser {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	breaker := opts.Breaker
	if breaker.ShouldTrip == nil {
		breaker.ShouldTrip = func(err error) bool {
			return resilience.IsTransient(err) || eris.Is(err, ErrBlocked)
		}
	}
	return &HTTPBrowser{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		ua:       opts.UserAgent,
		limiters: newHostLimiters(rate.Limit(opts.RatePerSec), opts.Burst),
		breakers: resilience.NewHostBreakers(breaker),
	}
}

// Name implements Browser.
func (b *HTTPBrowser) Name() string { return "http" }

// BreakerStates reports the circuit state of every host seen so far.
func (b *HTTPBrowser) BreakerStates() map[string]resilience.CircuitState {
	return b.breakers.States()
}

// Open implements Browser. WaitFor is ignored since no script runs.
func (b *HTTPBrowser) Open(ctx context.Context, rawURL string, _ ...OpenOption) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, eris.Errorf("browser: invalid url %q", rawURL)
	}
	host := u.Hostname()

	return resilience.ExecuteVal(ctx, b.breakers.Get(host), func(ctx context.Context) (*Page, error) {
		lim := b.limiters.get(host)
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "browser: rate limiter wait")
		}

		page, status, err := b.fetch(ctx, rawURL)
		switch {
		case status == http.StatusTooManyRequests:
			lim.OnRateLimit(host)
		case err == nil:
			lim.OnSuccess()
		}
		return page, err
	})
}

func (b *HTTPBrowser) fetch(ctx context.Context, rawURL string) (*Page, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "browser: create request")
	}
	req.Header.Set("User-Agent", b.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, eris.Wrap(err, "browser: fetch")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, eris.Wrap(err, "browser: read body")
	}

	if bt := DetectBlock(resp, body); bt != BlockNone {
		return nil, resp.StatusCode, eris.Wrapf(ErrBlocked, "%s at %s", bt, rawURL)
	}
	if resp.StatusCode >= 400 {
		err := eris.Errorf("browser: status %d from %s", resp.StatusCode, rawURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resp.StatusCode, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, resp.StatusCode, err
	}

	return &Page{URL: rawURL, Status: resp.StatusCode, HTML: body, Via: b.Name()}, resp.StatusCode, nil
}
