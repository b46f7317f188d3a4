// Package browser loads marketplace pages for source adapters. A Browser
// hides whether a page came from a direct HTTP fetch or a hosted renderer.
package browser

import (
	"bytes"
	"context"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Page is a loaded document.
type Page struct {
	URL    string
	Status int
	HTML   []byte
	Via    string
}

// Document parses the page for selector queries.
func (p *Page) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.HTML))
	if err != nil {
		return nil, eris.Wrapf(err, "browser: parse %s", p.URL)
	}
	return doc, nil
}

// Browser opens a URL and returns its rendered HTML.
type Browser interface {
	Name() string
	Open(ctx context.Context, url string, opts ...OpenOption) (*Page, error)
}

// OpenOption tunes a single Open call.
type OpenOption func(*OpenOptions)

// OpenOptions are the resolved options for Open. Browsers that cannot honor
// an option ignore it.
type OpenOptions struct {
	// WaitFor is a CSS selector the page should contain before it is
	// returned.
	WaitFor string
}

// WaitFor asks the browser to wait for selector to appear.
func WaitFor(selector string) OpenOption {
	return func(o *OpenOptions) { o.WaitFor = selector }
}

// ResolveOptions applies opts over the zero OpenOptions.
func ResolveOptions(opts []OpenOption) OpenOptions {
	var o OpenOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Chain tries each browser in order and returns the first page loaded.
type Chain struct {
	browsers []Browser
}

// NewChain creates a Chain. Browsers are tried in argument order.
func NewChain(browsers ...Browser) *Chain {
	return &Chain{browsers: browsers}
}

// Name implements Browser.
func (c *Chain) Name() string { return "chain" }

// Open implements Browser.
func (c *Chain) Open(ctx context.Context, url string, opts ...OpenOption) (*Page, error) {
	var lastErr error
	for _, b := range c.browsers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := b.Open(ctx, url, opts...)
		if err == nil {
			return page, nil
		}
		zap.L().Debug("browser: falling through",
			zap.String("browser", b.Name()),
			zap.String("url", url),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr == nil {
		return nil, eris.New("browser: chain is empty")
	}
	return nil, eris.Wrap(lastErr, "browser: all browsers failed")
}
