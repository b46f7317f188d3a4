// Package confidence turns a set of price observations into a 0-100 trust
// score from source density and cross-source agreement.
package confidence

import (
	"math"

	"github.com/sells-group/price-oracle/internal/model"
)

// Scoring constants. These values are part of the stored-score contract;
// changing them changes which historical records pass the ingestion gate.
const (
	PerSourceWeight   = 20
	MaxDensity        = 60
	AgreementWeight   = 40
	VariancePenalty   = 20
	VarianceTolerance = 0.15
	Floor             = 10
)

// Breakdown exposes each term of a score for logging and inspection.
type Breakdown struct {
	Count        int     `json:"count"`
	Density      int     `json:"density"`
	Mean         float64 `json:"mean"`
	MaxDeviation float64 `json:"max_deviation"`
	Penalty      int     `json:"penalty"`
	Score        int     `json:"score"`
}

// Score returns the trust score of the observations' USD prices.
func Score(obs []model.Observation) int {
	return Explain(model.Prices(obs)).Score
}

// ScorePrices returns the trust score of a set of prices.
func ScorePrices(prices []float64) int {
	return Explain(prices).Score
}

// Explain computes the score and its terms. An empty set scores 0.
func Explain(prices []float64) Breakdown {
	b := Breakdown{Count: len(prices)}
	if b.Count == 0 {
		return b
	}

	b.Density = min(b.Count*PerSourceWeight, MaxDensity)

	var sum float64
	for _, p := range prices {
		sum += p
	}
	b.Mean = sum / float64(b.Count)

	for _, p := range prices {
		if d := math.Abs(p - b.Mean); d > b.MaxDeviation {
			b.MaxDeviation = d
		}
	}

	if b.MaxDeviation > VarianceTolerance*b.Mean {
		b.Penalty = VariancePenalty
	}

	b.Score = max(b.Density+(AgreementWeight-b.Penalty), Floor)
	return b
}
