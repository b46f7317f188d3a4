package source

import (
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Site kinds.
const (
	KindList   = "list"
	KindDetail = "detail"
	KindJSON   = "json"
)

// Selectors are CSS selectors for a listing. Link and Image read the href
// and src attributes respectively.
type Selectors struct {
	Item      string `yaml:"item"`
	Price     string `yaml:"price"`
	Title     string `yaml:"title"`
	Link      string `yaml:"link"`
	Image     string `yaml:"image"`
	Condition string `yaml:"condition"`
}

// JSONPaths are gjson paths for an API response. Items selects the array;
// the rest are relative to one item.
type JSONPaths struct {
	Items     string `yaml:"items"`
	Price     string `yaml:"price"`
	Currency  string `yaml:"currency"`
	Title     string `yaml:"title"`
	URL       string `yaml:"url"`
	Image     string `yaml:"image"`
	Condition string `yaml:"condition"`
}

// Site describes one marketplace.
type Site struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	SearchURL string `yaml:"search_url"`
	BaseURL   string `yaml:"base_url"`
	Currency  string `yaml:"currency"`
	WaitFor   string `yaml:"wait_for"`
	// Skip ignores the first N items, for marketplaces that lead with a
	// placeholder or sponsored card.
	Skip int `yaml:"skip"`
	// SettleMinMs and SettleMaxMs override the shared settle range for
	// this site when SettleMaxMs is set.
	SettleMinMs int       `yaml:"settle_min_ms"`
	SettleMaxMs int       `yaml:"settle_max_ms"`
	Search      Selectors `yaml:"search"`
	Detail      Selectors `yaml:"detail"`
	JSON        JSONPaths `yaml:"json"`
	Disabled    bool      `yaml:"disabled"`
}

// Sites is the top-level shape of the sources file.
type Sites struct {
	Sites []Site `yaml:"sites"`
}

// LoadSites reads and validates a sources file.
func LoadSites(path string) ([]Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", path)
	}
	return ParseSites(data)
}

// ParseSites decodes and validates sources YAML. Disabled sites are dropped.
func ParseSites(data []byte) ([]Site, error) {
	var doc Sites
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "source: parse sites")
	}

	seen := make(map[string]bool)
	var out []Site
	for i, s := range doc.Sites {
		if s.Disabled {
			continue
		}
		if err := s.Validate(); err != nil {
			return nil, eris.Wrapf(err, "source: site %d", i)
		}
		if seen[s.Name] {
			return nil, eris.Errorf("source: duplicate site %q", s.Name)
		}
		seen[s.Name] = true
		if s.Currency == "" {
			s.Currency = "USD"
		}
		out = append(out, s)
	}
	return out, nil
}

// Validate checks that the site has what its kind needs.
func (s Site) Validate() error {
	if s.Name == "" {
		return eris.New("name is required")
	}
	if !strings.Contains(s.SearchURL, "{query}") {
		return eris.Errorf("%s: search_url must contain {query}", s.Name)
	}
	if s.Skip < 0 {
		return eris.Errorf("%s: skip must not be negative", s.Name)
	}
	if s.SettleMinMs < 0 || (s.SettleMaxMs > 0 && s.SettleMaxMs < s.SettleMinMs) {
		return eris.Errorf("%s: settle range is invalid", s.Name)
	}
	switch s.Kind {
	case KindList:
		if s.Search.Item == "" || s.Search.Price == "" {
			return eris.Errorf("%s: list sites need search.item and search.price", s.Name)
		}
	case KindDetail:
		if s.Search.Link == "" || s.Detail.Price == "" {
			return eris.Errorf("%s: detail sites need search.link and detail.price", s.Name)
		}
	case KindJSON:
		if s.JSON.Items == "" || s.JSON.Price == "" {
			return eris.Errorf("%s: json sites need json.items and json.price", s.Name)
		}
	default:
		return eris.Errorf("%s: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// QueryURL substitutes the escaped keyword into SearchURL.
func (s Site) QueryURL(keyword string) string {
	return strings.ReplaceAll(s.SearchURL, "{query}", url.QueryEscape(strings.TrimSpace(keyword)))
}

// Resolve makes href absolute against BaseURL, falling back to SearchURL.
func (s Site) Resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return href
	}
	baseRaw := s.BaseURL
	if baseRaw == "" {
		baseRaw = s.SearchURL
	}
	base, err := url.Parse(baseRaw)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
