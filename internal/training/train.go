// Package training builds, validates and promotes fraud scoring models from
// labeled prediction outcomes.
package training

import (
	"math"
	"sort"

	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/scoring"
)

// dataset is a labeled training matrix. Positive examples (confirmed fraud)
// carry scale_pos_weight so heavy class imbalance does not drown them out.
type dataset struct {
	vectors []domain.FeatureVector
	labels  []float64
	weights []float64
}

func newDataset(examples []*domain.FraudPrediction) *dataset {
	d := &dataset{}
	positives := 0
	for _, p := range examples {
		if len(p.FeatureVector) != len(domain.FeatureNames) {
			continue
		}
		label := 0.0
		if p.OutcomeLabel == domain.OutcomeTruePositive {
			label = 1.0
			positives++
		}
		d.vectors = append(d.vectors, p.FeatureVector)
		d.labels = append(d.labels, label)
	}

	// scale_pos_weight = negatives / positives.
	posWeight := 1.0
	if positives > 0 && positives < len(d.labels) {
		posWeight = float64(len(d.labels)-positives) / float64(positives)
	}

	d.weights = make([]float64, len(d.labels))
	for i, y := range d.labels {
		if y == 1 {
			d.weights[i] = posWeight
		} else {
			d.weights[i] = 1.0
		}
	}
	return d
}

func (d *dataset) size() int { return len(d.labels) }

func (d *dataset) positives() int {
	n := 0
	for _, y := range d.labels {
		if y == 1 {
			n++
		}
	}
	return n
}

// split partitions the dataset deterministically into train and holdout.
func (d *dataset) split(holdoutFraction float64) (*dataset, *dataset) {
	if holdoutFraction <= 0 || holdoutFraction >= 1 {
		holdoutFraction = 0.2
	}
	every := int(math.Round(1 / holdoutFraction))
	if every < 2 {
		every = 2
	}

	train := &dataset{}
	holdout := &dataset{}
	for i := range d.labels {
		target := train
		if i%every == 0 {
			target = holdout
		}
		target.vectors = append(target.vectors, d.vectors[i])
		target.labels = append(target.labels, d.labels[i])
		target.weights = append(target.weights, d.weights[i])
	}
	return train, holdout
}

const thresholdCandidates = 16

// trainBoostedStumps fits a gradient-boosted ensemble of depth-1 trees with
// logistic loss. Each round greedily picks the (feature, threshold) split
// with the largest gain and takes a Newton step on each side.
func trainBoostedStumps(d *dataset, rounds int, learningRate float64, version string) *scoring.Artifact {
	n := d.size()

	base := baseMargin(d)
	margins := make([]float64, n)
	for i := range margins {
		margins[i] = base
	}

	artifact := &scoring.Artifact{
		Version:      version,
		FeatureNames: domain.FeatureNames,
		BaseMargin:   base,
	}

	for round := 0; round < rounds; round++ {
		grad := make([]float64, n)
		hess := make([]float64, n)
		for i := range grad {
			p := sigmoid(margins[i])
			grad[i] = d.weights[i] * (d.labels[i] - p)
			hess[i] = d.weights[i] * p * (1 - p)
		}

		best, ok := bestSplit(d, grad, hess)
		if !ok {
			break
		}

		best.LeftMargin *= learningRate
		best.RightMargin *= learningRate
		artifact.Stumps = append(artifact.Stumps, best)

		for i, v := range d.vectors {
			if v[best.FeatureIndex] < best.Threshold {
				margins[i] += best.LeftMargin
			} else {
				margins[i] += best.RightMargin
			}
		}
	}

	return artifact
}

func baseMargin(d *dataset) float64 {
	var pos, total float64
	for i, y := range d.labels {
		total += d.weights[i]
		if y == 1 {
			pos += d.weights[i]
		}
	}
	if pos == 0 || pos == total {
		return 0
	}
	return math.Log(pos / (total - pos))
}

func bestSplit(d *dataset, grad, hess []float64) (scoring.Stump, bool) {
	const lambda = 1.0 // L2 regularization on leaf values

	var totalG, totalH float64
	for i := range grad {
		totalG += grad[i]
		totalH += hess[i]
	}

	var best scoring.Stump
	bestGain := 1e-6
	found := false

	for f := 0; f < len(domain.FeatureNames); f++ {
		for _, threshold := range candidateThresholds(d, f) {
			var leftG, leftH float64
			for i, v := range d.vectors {
				if v[f] < threshold {
					leftG += grad[i]
					leftH += hess[i]
				}
			}
			rightG := totalG - leftG
			rightH := totalH - leftH
			if leftH == 0 || rightH == 0 {
				continue
			}

			gain := leftG*leftG/(leftH+lambda) + rightG*rightG/(rightH+lambda) - totalG*totalG/(totalH+lambda)
			if gain > bestGain {
				bestGain = gain
				best = scoring.Stump{
					FeatureIndex: f,
					Threshold:    threshold,
					LeftMargin:   leftG / (leftH + lambda),
					RightMargin:  rightG / (rightH + lambda),
				}
				found = true
			}
		}
	}

	return best, found
}

// candidateThresholds returns quantile cut points for one feature.
func candidateThresholds(d *dataset, feature int) []float64 {
	values := make([]float64, 0, d.size())
	for _, v := range d.vectors {
		values = append(values, v[feature])
	}
	sort.Float64s(values)

	seen := map[float64]bool{}
	var out []float64
	for i := 1; i <= thresholdCandidates; i++ {
		idx := i * (len(values) - 1) / (thresholdCandidates + 1)
		t := values[idx]
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
