package model

import "time"

// Asset is a tracked consumer good with a minted ticker and a scrape keyword.
type Asset struct {
	ID             string     `json:"id"`
	Ticker         string     `json:"ticker"`
	Keyword        string     `json:"keyword"`
	LastKnownPrice *float64   `json:"last_known_price,omitempty"`
	LastConfidence *int       `json:"last_confidence,omitempty"`
	LastPricedAt   *time.Time `json:"last_priced_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// HasPrice reports whether the gate has written an authoritative price yet.
func (a Asset) HasPrice() bool {
	return a.LastKnownPrice != nil
}
