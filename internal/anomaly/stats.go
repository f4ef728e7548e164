package anomaly

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"ledger-reconciliation-service/internal/models"
)

// methodResult holds the per-sample outcome of one detection method.
// Scores are normalized so that any flagged sample scores above 1.
type methodResult struct {
	Method string
	Flags  []bool
	Scores []float64
}

func newMethodResult(method string, n int) methodResult {
	return methodResult{Method: method, Flags: make([]bool, n), Scores: make([]float64, n)}
}

func (m methodResult) flagged() int {
	count := 0
	for _, f := range m.Flags {
		if f {
			count++
		}
	}
	return count
}

// Moments holds the population statistics of the amounts
type Moments struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Q1   float64 `json:"q1"`
	Q3   float64 `json:"q3"`
	IQR  float64 `json:"iqr"`
}

// popMeanStd returns the mean and the population (ddof=0) standard deviation
func popMeanStd(x []float64) (float64, float64) {
	n := len(x)
	switch n {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	mean, sampleVar := stat.MeanVariance(x, nil)
	popVar := sampleVar * float64(n-1) / float64(n)
	if popVar <= 0 || math.IsNaN(popVar) {
		return mean, 0
	}
	return mean, math.Sqrt(popVar)
}

// quantile interpolates linearly between closest ranks of sorted
// (h = (n-1)p). gonum's stat.Quantile has no kind for this estimator.
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func sortedCopy(x []float64) []float64 {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	return s
}

// statisticalStage flags amounts by z-score and by IQR fences
func statisticalStage(amounts []float64, cfg *Config) (Moments, methodResult, methodResult) {
	n := len(amounts)
	z := newMethodResult(models.MethodZScore, n)
	iqr := newMethodResult(models.MethodIQR, n)

	var m Moments
	m.Mean, m.Std = popMeanStd(amounts)

	// a constant population has no spread to measure against
	if m.Std > 0 {
		for i, a := range amounts {
			score := math.Abs(a-m.Mean) / m.Std
			if score > cfg.ZScoreThreshold {
				z.Flags[i] = true
				z.Scores[i] = score / cfg.ZScoreThreshold
			}
		}
	}

	if n == 0 {
		return m, z, iqr
	}

	sorted := sortedCopy(amounts)
	m.Q1 = quantile(sorted, 0.25)
	m.Q3 = quantile(sorted, 0.75)
	m.IQR = m.Q3 - m.Q1
	lower := m.Q1 - cfg.IQRMultiplier*m.IQR
	upper := m.Q3 + cfg.IQRMultiplier*m.IQR
	scale := math.Max(m.IQR, 1)

	for i, a := range amounts {
		var distance float64
		switch {
		case a < lower:
			distance = lower - a
		case a > upper:
			distance = a - upper
		default:
			continue
		}
		iqr.Flags[i] = true
		iqr.Scores[i] = 1 + distance/scale
	}

	return m, z, iqr
}
