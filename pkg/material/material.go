// Package material maps a vision-model classification result onto the
// material categories the kiosk can sort. Classification is a pure function
// of the label, the probability and the configured thresholds.
package material

import (
	"math"
	"strings"
)

// Material is a sortable material category.
type Material string

const (
	MetalCan      Material = "METAL_CAN"
	PlasticBottle Material = "PLASTIC_BOTTLE"
	Glass         Material = "GLASS"
	Unknown       Material = "UNKNOWN"
)

// relaxedFactor scales a category threshold for labels carrying a strong keyword.
const relaxedFactor = 0.3

// Thresholds are per-category minimum probabilities in [0,1].
type Thresholds struct {
	MetalCan      float64
	PlasticBottle float64
	Glass         float64
}

func (t Thresholds) of(m Material) float64 {
	switch m {
	case MetalCan:
		return t.MetalCan
	case PlasticBottle:
		return t.PlasticBottle
	case Glass:
		return t.Glass
	default:
		return 1
	}
}

// category is the keyword set of one material. Strong keywords are a subset
// that are specific enough to accept a borderline probability.
type category struct {
	material Material
	keywords []string
	strong   []string
}

// categories are matched in order; the first hit wins.
var categories = []category{
	{material: MetalCan, keywords: []string{"易拉罐", "metal", "can", "铝"}, strong: []string{"易拉罐", "铝"}},
	{material: PlasticBottle, keywords: []string{"pet", "plastic", "瓶", "bottle"}, strong: []string{"pet"}},
	{material: Glass, keywords: []string{"玻璃", "glass"}, strong: []string{"玻璃"}},
}

// Result is the outcome of a classification.
type Result struct {
	Material   Material `json:"material"`
	Confidence int      `json:"confidence"` // Probability as a rounded percentage, 0-100.
	Label      string   `json:"label"`      // Original class label.
	Relaxed    bool     `json:"relaxed"`    // Accepted through the strong-keyword path.
	Candidate  Material `json:"candidate,omitempty"`
}

// Classify returns the material for label at probability p. A label matching
// a category is accepted when p reaches the category threshold, or when p is
// at least 30% of the threshold and the label contains one of the category's
// strong keywords. Everything else is Unknown. Candidate reports the matched
// category even when it was rejected for low confidence.
func Classify(label string, p float64, th Thresholds) Result {
	res := Result{
		Material:   Unknown,
		Confidence: Confidence(p),
		Label:      label,
		Candidate:  Unknown,
	}

	lower := strings.ToLower(label)

	for _, c := range categories {
		if !containsAny(lower, c.keywords) {
			continue
		}

		res.Candidate = c.material
		threshold := th.of(c.material)

		switch {
		case p >= threshold:
			res.Material = c.material
		case p >= threshold*relaxedFactor && containsAny(lower, c.strong):
			res.Material = c.material
			res.Relaxed = true
		}

		return res
	}

	return res
}

// Confidence converts a probability to a rounded percentage clamped to 0-100.
func Confidence(p float64) int {
	pct := int(math.Round(p * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
