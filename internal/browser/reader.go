package browser

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/price-oracle/internal/resilience"
	"github.com/sells-group/price-oracle/pkg/jina"
)

// ReaderBrowser renders pages through Jina Reader, which executes scripts
// and can wait for a selector. It is the fallback for hosts that serve
// script-only shells or bot walls to plain HTTP clients.
type ReaderBrowser struct {
	client        jina.Client
	breaker       *resilience.Breaker
	renderTimeout time.Duration
}

// NewReaderBrowser wraps a Jina client. Three consecutive failures open its
// circuit for a minute.
func NewReaderBrowser(client jina.Client, renderTimeout time.Duration) *ReaderBrowser {
	return &ReaderBrowser{
		client:        client,
		breaker:       resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}),
		renderTimeout: renderTimeout,
	}
}

// Name implements Browser.
func (r *ReaderBrowser) Name() string { return "reader" }

// Open implements Browser.
func (r *ReaderBrowser) Open(ctx context.Context, url string, opts ...OpenOption) (*Page, error) {
	o := ResolveOptions(opts)
	readOpts := []jina.ReadOption{jina.WithFormat(jina.FormatHTML)}
	if o.WaitFor != "" {
		readOpts = append(readOpts, jina.WithWaitForSelector(o.WaitFor))
	}
	if r.renderTimeout > 0 {
		readOpts = append(readOpts, jina.WithRenderTimeout(r.renderTimeout))
	}

	return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (*Page, error) {
		resp, err := r.client.Read(ctx, url, readOpts...)
		if err != nil {
			return nil, err
		}
		if resp.Code != 0 && resp.Code != 200 {
			return nil, eris.Errorf("browser: reader code %d for %s", resp.Code, url)
		}
		body := strings.TrimSpace(resp.Data.Body())
		if body == "" {
			return nil, eris.Errorf("browser: reader returned empty page for %s", url)
		}
		if bt := DetectBlock(nil, []byte(body)); bt != BlockNone {
			return nil, eris.Wrapf(ErrBlocked, "%s via reader at %s", bt, url)
		}
		return &Page{URL: url, Status: 200, HTML: []byte(body), Via: r.Name()}, nil
	})
}
