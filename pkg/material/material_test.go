package material

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var defaults = Thresholds{MetalCan: 0.22, PlasticBottle: 0.30, Glass: 0.25}

func TestClassify_AluminumCan(t *testing.T) {
	res := Classify("aluminum can", 0.5, defaults)

	assert.Equal(t, MetalCan, res.Material)
	assert.Equal(t, 50, res.Confidence)
	assert.False(t, res.Relaxed)
}

func TestClassify_PlasticBagLowConfidence(t *testing.T) {
	res := Classify("plastic bag", 0.1, defaults)
	assert.Equal(t, Unknown, res.Material)
	assert.Equal(t, PlasticBottle, res.Candidate)
	assert.Equal(t, 10, res.Confidence)
}

func TestClassify_NoKeywordIsUnknown(t *testing.T) {
	for _, p := range []float64{0, 0.3, 0.99, 1} {
		assert.Equal(t, Unknown, Classify("cardboard box", p, defaults).Material, "p=%v", p)
		assert.Equal(t, Unknown, Classify("", p, defaults).Material, "p=%v", p)
	}
}

func TestClassify_CaseInsensitive(t *testing.T) {
	assert.Equal(t, PlasticBottle, Classify("PET Bottle", 0.9, defaults).Material)
	assert.Equal(t, Glass, Classify("Glass Jar", 0.9, defaults).Material)
}

func TestClassify_FirstCategoryWins(t *testing.T) {
	// "can" matches the metal set before "bottle" reaches the plastic set.
	res := Classify("bottle can", 0.25, defaults)
	assert.Equal(t, MetalCan, res.Material)
}

func TestClassify_StrongKeywordRescue(t *testing.T) {
	tests := []struct {
		label string
		want  Material
		th    float64
	}{
		{"易拉罐", MetalCan, defaults.MetalCan},
		{"铝罐", MetalCan, defaults.MetalCan},
		{"pet", PlasticBottle, defaults.PlasticBottle},
		{"玻璃", Glass, defaults.Glass},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			// Exactly at the relaxed threshold and just under the full one.
			for _, p := range []float64{tt.th * relaxedFactor, tt.th * 0.5, tt.th - 0.001} {
				res := Classify(tt.label, p, defaults)
				assert.Equal(t, tt.want, res.Material, "p=%v", p)
				assert.True(t, res.Relaxed, "p=%v", p)
			}

			below := Classify(tt.label, tt.th*relaxedFactor-0.01, defaults)
			assert.Equal(t, Unknown, below.Material)
			assert.Equal(t, tt.want, below.Candidate)
		})
	}
}

func TestClassify_WeakKeywordNoRescue(t *testing.T) {
	// "metal" is not a strong keyword: under threshold means unknown.
	res := Classify("metal", 0.2, defaults)
	assert.Equal(t, Unknown, res.Material)
	assert.Equal(t, MetalCan, res.Candidate)
	assert.Equal(t, 20, res.Confidence)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0, Confidence(0))
	assert.Equal(t, 50, Confidence(0.499))
	assert.Equal(t, 100, Confidence(1))
	assert.Equal(t, 100, Confidence(1.7))
	assert.Equal(t, 0, Confidence(-0.2))
}
