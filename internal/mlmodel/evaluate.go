package mlmodel

import "math"

// Evaluate scores a model on a held-out set and returns the standard metrics
// for the task: accuracy/precision/recall for classification, mse/mae for
// regression.
func Evaluate(m Model, X [][]float64, y []float64, task Task) map[string]float64 {
	metrics := make(map[string]float64)
	if len(X) == 0 {
		return metrics
	}

	switch task {
	case TaskClassification:
		var tp, fp, fn, correct float64
		for i, row := range X {
			pred, _ := m.Predict(row)
			if pred == y[i] {
				correct++
			}
			switch {
			case pred == 1 && y[i] == 1:
				tp++
			case pred == 1 && y[i] == 0:
				fp++
			case pred == 0 && y[i] == 1:
				fn++
			}
		}
		n := float64(len(X))
		metrics["accuracy"] = correct / n
		if tp+fp > 0 {
			metrics["precision"] = tp / (tp + fp)
		}
		if tp+fn > 0 {
			metrics["recall"] = tp / (tp + fn)
		}

	case TaskRegression:
		var sse, sae float64
		for i, row := range X {
			pred, _ := m.Predict(row)
			d := pred - y[i]
			sse += d * d
			sae += math.Abs(d)
		}
		n := float64(len(X))
		metrics["mse"] = sse / n
		metrics["mae"] = sae / n
	}

	return metrics
}
