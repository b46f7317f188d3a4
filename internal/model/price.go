package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Origin describes where a price entering the ingestion gate came from.
type Origin string

const (
	// OriginInternalSale is a price from a transaction cleared inside the system.
	OriginInternalSale Origin = "internal-sale-event"
	// OriginScraped is a batch of observations from external marketplaces.
	OriginScraped Origin = "scraped-external"
	// OriginManual is an operator-entered override.
	OriginManual Origin = "manual"
)

// ParseOrigin converts a string into an Origin.
func ParseOrigin(s string) (Origin, error) {
	switch Origin(s) {
	case OriginInternalSale, OriginScraped, OriginManual:
		return Origin(s), nil
	default:
		return "", eris.Errorf("unknown origin: %q (valid: internal-sale-event, scraped-external, manual)", s)
	}
}

// PriceSource tags an authoritative PriceRecord.
type PriceSource string

const (
	PriceSourceInternalSale PriceSource = "internal-sale"
	PriceSourceExternal     PriceSource = "external"
	PriceSourceManual       PriceSource = "manual"
)

// SourceFor maps a gate origin to the source tag stored on the record.
func SourceFor(o Origin) PriceSource {
	switch o {
	case OriginInternalSale:
		return PriceSourceInternalSale
	case OriginManual:
		return PriceSourceManual
	default:
		return PriceSourceExternal
	}
}

// PriceRecord is an append-only authoritative price entry.
type PriceRecord struct {
	ID             string      `json:"id"`
	AssetID        string      `json:"asset_id"`
	Price          float64     `json:"price"`
	Confidence     int         `json:"confidence"`
	Source         PriceSource `json:"source"`
	IdempotencyKey string      `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ExternalPriceRecord is the latest raw scrape for one (asset, source) pair.
// It is informational only and never promoted into PriceRecord.
type ExternalPriceRecord struct {
	AssetID       string    `json:"asset_id"`
	Source        string    `json:"source"`
	Price         float64   `json:"price"`
	URL           string    `json:"url"`
	Condition     string    `json:"condition,omitempty"`
	Title         string    `json:"title,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}
