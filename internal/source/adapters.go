package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/price-oracle/internal/browser"
	"github.com/sells-group/price-oracle/internal/metrics"
	"github.com/sells-group/price-oracle/internal/model"
)

// Options are shared by every adapter built from a Site.
type Options struct {
	Timeout time.Duration
	Settle  Settle
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// base carries what every adapter kind needs and runs the common attempt
// envelope: timeout, panic recovery, logging and metrics.
type base struct {
	site    Site
	browser browser.Browser
	opts    Options
	log     *zap.Logger
}

func newBase(site Site, b browser.Browser, opts Options) base {
	return base{
		site:    site,
		browser: b,
		opts:    opts.withDefaults(),
		log:     zap.L().With(zap.String("component", "source"), zap.String("source", site.Name)),
	}
}

func (b base) Name() string { return b.site.Name }

func (b base) run(ctx context.Context, keyword string, fn func(ctx context.Context, keyword string) Result) (res Result) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			res = NoResult(fmt.Sprintf("panic: %v", p))
		}
		if !res.OK() && ctx.Err() != nil {
			res = NoResult("timeout: " + ctx.Err().Error())
		}
		metrics.RecordAdapterAttempt(b.site.Name, res.OK(), time.Since(start))
		if res.OK() {
			l, _ := res.Listing()
			b.log.Debug("listing found", zap.String("keyword", keyword), zap.Float64("price", l.Price), zap.String("url", l.URL))
		} else {
			b.log.Info("no result", zap.String("keyword", keyword), zap.String("reason", res.Reason()))
		}
	}()

	if strings.TrimSpace(keyword) == "" {
		return NoResult("empty keyword")
	}
	return fn(ctx, keyword)
}

func (b base) open(ctx context.Context, url string) (*goquery.Document, *browser.Page, Result, bool) {
	var opts []browser.OpenOption
	if b.site.WaitFor != "" {
		opts = append(opts, browser.WaitFor(b.site.WaitFor))
	}
	page, err := b.browser.Open(ctx, url, opts...)
	if err != nil {
		return nil, nil, NoResult("open: " + err.Error()), false
	}
	if err := b.opts.Settle.Wait(ctx); err != nil {
		return nil, nil, NoResult("settle interrupted"), false
	}
	doc, err := page.Document()
	if err != nil {
		return nil, nil, NoResult("parse: " + err.Error()), false
	}
	return doc, page, Result{}, true
}

func text(sel *goquery.Selection, css string) string {
	if css == "" {
		return ""
	}
	return strings.TrimSpace(sel.Find(css).First().Text())
}

func attr(sel *goquery.Selection, css, name string) string {
	if css == "" {
		return ""
	}
	v, _ := sel.Find(css).First().Attr(name)
	return strings.TrimSpace(v)
}

// ListPageAdapter reads the first priced item off a search results page.
type ListPageAdapter struct{ base }

// NewListPageAdapter creates a ListPageAdapter.
func NewListPageAdapter(site Site, b browser.Browser, opts Options) *ListPageAdapter {
	return &ListPageAdapter{newBase(site, b, opts)}
}

// Attempt implements Adapter.
func (a *ListPageAdapter) Attempt(ctx context.Context, keyword string) Result {
	return a.run(ctx, keyword, a.attempt)
}

func (a *ListPageAdapter) attempt(ctx context.Context, keyword string) Result {
	doc, _, res, ok := a.open(ctx, a.site.QueryURL(keyword))
	if !ok {
		return res
	}

	sel := a.site.Search
	var found *model.Listing
	items := doc.Find(sel.Item)
	items = items.Slice(min(a.site.Skip, items.Length()), goquery.ToEnd)
	items.EachWithBreak(func(_ int, item *goquery.Selection) bool {
		price, ok := SanitizePrice(text(item, sel.Price))
		if !ok {
			return true
		}
		found = &model.Listing{
			Price:     price,
			Currency:  a.site.Currency,
			URL:       a.site.Resolve(attr(item, sel.Link, "href")),
			Title:     text(item, sel.Title),
			Condition: text(item, sel.Condition),
			ImageURL:  attr(item, sel.Image, "src"),
		}
		return false
	})
	if found == nil {
		return NoResult("no priced item on results page")
	}
	return Found(*found)
}

// DetailPageAdapter follows the first search result to its detail page and
// reads the listing there.
type DetailPageAdapter struct{ base }

// NewDetailPageAdapter creates a DetailPageAdapter.
func NewDetailPageAdapter(site Site, b browser.Browser, opts Options) *DetailPageAdapter {
	return &DetailPageAdapter{newBase(site, b, opts)}
}

// Attempt implements Adapter.
func (a *DetailPageAdapter) Attempt(ctx context.Context, keyword string) Result {
	return a.run(ctx, keyword, a.attempt)
}

func (a *DetailPageAdapter) attempt(ctx context.Context, keyword string) Result {
	doc, _, res, ok := a.open(ctx, a.site.QueryURL(keyword))
	if !ok {
		return res
	}

	links := doc.Find(a.site.Search.Link)
	if a.site.Skip > 0 {
		links = links.Slice(min(a.site.Skip, links.Length()), goquery.ToEnd)
	}
	href, _ := links.First().Attr("href")
	target := a.site.Resolve(href)
	if target == "" {
		return NoResult("no result link on search page")
	}

	detail, page, res, ok := a.open(ctx, target)
	if !ok {
		return res
	}

	sel := a.site.Detail
	root := detail.Selection
	price, ok := SanitizePrice(text(root, sel.Price))
	if !ok {
		return NoResult("detail page has no usable price")
	}
	image := attr(root, sel.Image, "src")
	if image == "" {
		image = attr(root, `meta[property="og:image"]`, "content")
	}
	return Found(model.Listing{
		Price:     price,
		Currency:  a.site.Currency,
		URL:       page.URL,
		Title:     text(root, sel.Title),
		Condition: text(root, sel.Condition),
		ImageURL:  image,
	})
}

// JSONAPIAdapter reads the first priced item from a JSON search endpoint.
type JSONAPIAdapter struct{ base }

// NewJSONAPIAdapter creates a JSONAPIAdapter.
func NewJSONAPIAdapter(site Site, b browser.Browser, opts Options) *JSONAPIAdapter {
	return &JSONAPIAdapter{newBase(site, b, opts)}
}

// Attempt implements Adapter.
func (a *JSONAPIAdapter) Attempt(ctx context.Context, keyword string) Result {
	return a.run(ctx, keyword, a.attempt)
}

func (a *JSONAPIAdapter) attempt(ctx context.Context, keyword string) Result {
	page, err := a.browser.Open(ctx, a.site.QueryURL(keyword))
	if err != nil {
		return NoResult("open: " + err.Error())
	}
	if err := a.opts.Settle.Wait(ctx); err != nil {
		return NoResult("settle interrupted")
	}
	if !gjson.ValidBytes(page.HTML) {
		return NoResult("response is not json")
	}

	p := a.site.JSON
	items := gjson.GetBytes(page.HTML, p.Items).Array()
	for i, item := range items {
		if i < a.site.Skip {
			continue
		}
		price, ok := SanitizePrice(item.Get(p.Price).String())
		if !ok {
			continue
		}
		cur := a.site.Currency
		if p.Currency != "" {
			if c := item.Get(p.Currency).String(); c != "" {
				cur = c
			}
		}
		return Found(model.Listing{
			Price:     price,
			Currency:  cur,
			URL:       a.site.Resolve(jsonString(item, p.URL)),
			Title:     jsonString(item, p.Title),
			Condition: jsonString(item, p.Condition),
			ImageURL:  jsonString(item, p.Image),
		})
	}
	return NoResult("no priced item in response")
}

func jsonString(item gjson.Result, path string) string {
	if path == "" {
		return ""
	}
	return strings.TrimSpace(item.Get(path).String())
}

// New builds the adapter for site's kind.
func New(site Site, b browser.Browser, opts Options) (Adapter, error) {
	if err := site.Validate(); err != nil {
		return nil, err
	}
	if site.SettleMaxMs > 0 {
		opts.Settle = Settle{
			Min: time.Duration(site.SettleMinMs) * time.Millisecond,
			Max: time.Duration(site.SettleMaxMs) * time.Millisecond,
		}
	}
	switch site.Kind {
	case KindList:
		return NewListPageAdapter(site, b, opts), nil
	case KindDetail:
		return NewDetailPageAdapter(site, b, opts), nil
	default:
		return NewJSONAPIAdapter(site, b, opts), nil
	}
}
