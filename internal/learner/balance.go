package learner

import "crypto-ml-trader/internal/features"

// BalanceClasses keeps the most recent min_count rows of every signal class,
// in their original order. ok is false when some class has no rows.
func BalanceClasses(x, y [][]float64) (bx, by [][]float64, ok bool) {
	counts := make(map[float64]int, len(features.SignalCategories))
	for _, row := range y {
		counts[row[0]]++
	}
	minCount := len(y)
	for _, c := range features.SignalCategories {
		n := counts[float64(c)]
		if n == 0 {
			return nil, nil, false
		}
		if n < minCount {
			minCount = n
		}
	}

	taken := make(map[float64]int, len(counts))
	keep := make([]bool, len(y))
	for i := len(y) - 1; i >= 0; i-- {
		class := y[i][0]
		if taken[class] < minCount {
			taken[class]++
			keep[i] = true
		}
	}
	for i := range y {
		if keep[i] {
			bx = append(bx, x[i])
			by = append(by, y[i])
		}
	}
	return bx, by, true
}
