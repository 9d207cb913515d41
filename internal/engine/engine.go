// Package engine holds the disease classification seam. The only
// implementation today is a simulated classifier; a real model plugs in
// behind the same interface without touching the detection lifecycle.
package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"xray-back/internal/models"
)

// Details is the structured payload attached to a completed detection.
type Details struct {
	RegionsAnalyzed     []string `json:"regions_analyzed"`
	AbnormalRegions     []string `json:"abnormal_regions"`
	ProcessingAlgorithm string   `json:"processing_algorithm"`
	ImageQualityScore   float64  `json:"image_quality_score"`
}

// Result is one classification outcome.
type Result struct {
	Disease    models.DiseaseType
	Confidence decimal.Decimal
	Details    Details
}

// Classifier produces a classification result for an X-ray image.
// The simulated implementation never fails; a real model may.
type Classifier interface {
	Classify(ctx context.Context) (*Result, error)
}

var analyzedRegions = []string{"left_lung", "right_lung", "heart_area"}

// disease labels and their categorical weights, normal most likely
var (
	diseases = []models.DiseaseType{
		models.DiseaseNormal,
		models.DiseasePneumonia,
		models.DiseaseTuberculosis,
		models.DiseaseCovid19,
		models.DiseaseLungCancer,
	}
	weights = []float64{0.60, 0.15, 0.10, 0.10, 0.05}
)

// Simulated is a randomized stand-in for a real disease-classification
// model. The random source is injected so tests can seed it.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ Classifier = (*Simulated)(nil)

// NewSimulated builds a classifier seeded with the given value.
func NewSimulated(seed int64) *Simulated {
	return &Simulated{rng: rand.New(rand.NewSource(seed))}
}

// Classify draws a disease from the fixed categorical distribution and
// fabricates a confidence score and detail payload. No side effects.
func (s *Simulated) Classify(_ context.Context) (*Result, error) {
	s.mu.Lock()
	roll := s.rng.Float64()
	confRoll := s.rng.Float64()
	qualityRoll := s.rng.Float64()
	s.mu.Unlock()

	disease := sampleDisease(roll)

	// confidence range depends on the outcome
	lo, hi := 0.60, 0.90
	if disease == models.DiseaseNormal {
		lo, hi = 0.70, 0.95
	}
	confidence := decimal.NewFromFloat(lo + confRoll*(hi-lo)).Round(4)
	confidence = clamp01(confidence)

	abnormal := []string{}
	if disease != models.DiseaseNormal {
		abnormal = []string{"lower_left_lobe"}
	}

	return &Result{
		Disease:    disease,
		Confidence: confidence,
		Details: Details{
			RegionsAnalyzed:     analyzedRegions,
			AbnormalRegions:     abnormal,
			ProcessingAlgorithm: "Deep CNN with ResNet architecture",
			ImageQualityScore:   math.Round((0.80+qualityRoll*0.20)*1000) / 1000,
		},
	}, nil
}

// sampleDisease maps a uniform [0,1) roll onto the categorical
// distribution via cumulative weights. No rejection, so the distribution
// holds regardless of how callers interleave.
func sampleDisease(roll float64) models.DiseaseType {
	cum := 0.0
	for i, w := range weights {
		cum += w
		if roll < cum {
			return diseases[i]
		}
	}
	return diseases[len(diseases)-1]
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(one) {
		return one
	}
	return d
}
