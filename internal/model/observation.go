package model

import "time"

// Listing is what a source adapter extracts from a marketplace for a keyword.
type Listing struct {
	Price     float64 `json:"price"`
	Currency  string  `json:"currency"`
	URL       string  `json:"url"`
	Condition string  `json:"condition,omitempty"`
	Title     string  `json:"title,omitempty"`
	ImageURL  string  `json:"image_url,omitempty"`
}

// Observation is one adapter's normalized price extraction for one asset.
type Observation struct {
	AssetID            string    `json:"asset_id"`
	Source             string    `json:"source"`
	RawPrice           float64   `json:"raw_price"`
	Currency           string    `json:"currency"`
	NormalizedPriceUSD float64   `json:"normalized_price_usd"`
	RateFallback       bool      `json:"rate_fallback,omitempty"` // currency lookup failed, passed through 1:1
	URL                string    `json:"url"`
	Condition          string    `json:"condition,omitempty"`
	Title              string    `json:"title,omitempty"`
	ImageURL           string    `json:"image_url,omitempty"`
	ObservedAt         time.Time `json:"observed_at"`
	// EventID identifies a sale or manual entry at its origin. Redeliveries
	// of the same event carry the same ID.
	EventID string `json:"event_id,omitempty"`
}

// Prices returns the USD-normalized prices of the observations.
func Prices(obs []Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.NormalizedPriceUSD
	}
	return out
}
