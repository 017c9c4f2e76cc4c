package training

import (
	"sort"

	"github.com/facilityops/vigil/internal/scoring"
)

// evaluation holds the holdout validation metrics for one candidate model.
type evaluation struct {
	PRAUC               float64
	PrecisionAt80Recall float64
	OptimalThreshold    float64
}

type scoredExample struct {
	prob  float64
	label float64
}

// evaluate scores the holdout set and computes precision/recall metrics.
// PR-AUC is average precision over the ranked examples; the optimal
// threshold is the probability cut maximizing F1 on the holdout.
func evaluate(artifact *scoring.Artifact, holdout *dataset) evaluation {
	scored := make([]scoredExample, holdout.size())
	totalPos := 0.0
	for i, v := range holdout.vectors {
		p, _ := artifact.Predict(v)
		scored[i] = scoredExample{prob: p, label: holdout.labels[i]}
		totalPos += holdout.labels[i]
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].prob > scored[j].prob })

	ev := evaluation{OptimalThreshold: 0.5}
	if totalPos == 0 {
		return ev
	}

	var tp, fp float64
	bestF1 := 0.0
	prAUC := 0.0
	prevRecall := 0.0
	precisionAt80 := 0.0
	seenRecall80 := false

	for _, s := range scored {
		if s.label == 1 {
			tp++
		} else {
			fp++
		}

		precision := tp / (tp + fp)
		recall := tp / totalPos

		// Average precision: sum precision at each recall increment.
		if recall > prevRecall {
			prAUC += precision * (recall - prevRecall)
			prevRecall = recall
		}

		if !seenRecall80 && recall >= 0.8 {
			precisionAt80 = precision
			seenRecall80 = true
		}

		if precision+recall > 0 {
			f1 := 2 * precision * recall / (precision + recall)
			if f1 > bestF1 {
				bestF1 = f1
				ev.OptimalThreshold = s.prob
			}
		}
	}

	ev.PRAUC = prAUC
	ev.PrecisionAt80Recall = precisionAt80
	return ev
}
