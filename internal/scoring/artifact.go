package scoring

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/facilityops/vigil/internal/domain"
)

// Stump is one depth-1 decision tree of the boosted ensemble: if the feature
// is below the threshold the left margin applies, otherwise the right.
type Stump struct {
	FeatureIndex int     `json:"featureIndex"`
	Threshold    float64 `json:"threshold"`
	LeftMargin   float64 `json:"leftMargin"`
	RightMargin  float64 `json:"rightMargin"`
}

// Artifact is the serialized gradient-boosted-stump classifier. The feature
// name list is embedded so a vector/artifact mismatch fails loudly instead
// of silently scoring garbage.
type Artifact struct {
	Version      string   `json:"version"`
	FeatureNames []string `json:"featureNames"`
	BaseMargin   float64  `json:"baseMargin"`
	Stumps       []Stump  `json:"stumps"`
}

// DecodeArtifact parses and validates a serialized model.
func DecodeArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: malformed model artifact: %v", domain.ErrModelUnavailable, err)
	}
	if len(a.FeatureNames) != len(domain.FeatureNames) {
		return nil, fmt.Errorf("%w: artifact expects %d features, scorer has %d",
			domain.ErrModelUnavailable, len(a.FeatureNames), len(domain.FeatureNames))
	}
	for i, name := range a.FeatureNames {
		if name != domain.FeatureNames[i] {
			return nil, fmt.Errorf("%w: feature order mismatch at %d: %q vs %q",
				domain.ErrModelUnavailable, i, name, domain.FeatureNames[i])
		}
	}
	for _, s := range a.Stumps {
		if s.FeatureIndex < 0 || s.FeatureIndex >= len(a.FeatureNames) {
			return nil, fmt.Errorf("%w: stump feature index %d out of range", domain.ErrModelUnavailable, s.FeatureIndex)
		}
	}
	return &a, nil
}

// Encode serializes the artifact.
func (a *Artifact) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// Margin returns the raw additive margin for a feature vector.
func (a *Artifact) Margin(v domain.FeatureVector) float64 {
	margin := a.BaseMargin
	for _, s := range a.Stumps {
		if v[s.FeatureIndex] < s.Threshold {
			margin += s.LeftMargin
		} else {
			margin += s.RightMargin
		}
	}
	return margin
}

// Predict returns the fraud probability for a feature vector.
func (a *Artifact) Predict(v domain.FeatureVector) (float64, error) {
	if len(v) != len(a.FeatureNames) {
		return 0, fmt.Errorf("%w: vector length %d, expected %d", domain.ErrModelUnavailable, len(v), len(a.FeatureNames))
	}
	return sigmoid(a.Margin(v)), nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
