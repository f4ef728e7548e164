package anomaly

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"ledger-reconciliation-service/internal/models"
)

const (
	svmTolerance = 1e-3
	svmTau       = 1e-12
)

// oneClassSVM is a fitted nu-one-class SVM with an RBF kernel. Only support
// vectors (alpha > 0) are kept.
type oneClassSVM struct {
	gamma   float64
	rho     float64
	support [][]float64
	alpha   []float64
	workers int
}

// fitOneClassSVM solves the dual
//
//	min 1/2 aᵀQa  subject to  0 <= a_i <= 1,  Σ a_i = nu·l
//
// by sequential minimal optimization on the maximal violating pair.
func fitOneClassSVM(ctx context.Context, x *mat.Dense, cfg *Config) (*oneClassSVM, error) {
	train := x
	if n, _ := x.Dims(); n > cfg.MaxSVMSamples {
		rng := rand.New(rand.NewSource(cfg.Seed))
		rows := rng.Perm(n)[:cfg.MaxSVMSamples]
		sort.Ints(rows)
		train = subset(x, rows)
	}

	l, features := train.Dims()
	gamma := 1.0
	if v := overallVariance(train); v > 0 {
		gamma = 1 / (float64(features) * v)
	}

	kernelRow := func(i int, dst []float64) {
		xi := train.RawRowView(i)
		for t := 0; t < l; t++ {
			dst[t] = rbf(gamma, xi, train.RawRowView(t))
		}
	}

	alpha := make([]float64, l)
	total := cfg.Nu * float64(l)
	full := int(total)
	for i := 0; i < full && i < l; i++ {
		alpha[i] = 1
	}
	if full < l {
		alpha[full] = total - float64(full)
	}

	grad := make([]float64, l)
	qi := make([]float64, l)
	qj := make([]float64, l)
	for i := 0; i < l; i++ {
		if alpha[i] == 0 {
			continue
		}
		kernelRow(i, qi)
		for t := range grad {
			grad[t] += alpha[i] * qi[t]
		}
	}

	maxIter := 100 * l
	if maxIter < 10000 {
		maxIter = 10000
	}

	for iter := 0; iter < maxIter; iter++ {
		if iter%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		// i can still grow, j can still shrink
		i, j := -1, -1
		gmax, gmin := math.Inf(-1), math.Inf(-1)
		for t := 0; t < l; t++ {
			if alpha[t] < 1 && -grad[t] > gmax {
				gmax = -grad[t]
				i = t
			}
			if alpha[t] > 0 && grad[t] > gmin {
				gmin = grad[t]
				j = t
			}
		}
		if i < 0 || j < 0 || gmax+gmin < svmTolerance {
			break
		}

		kernelRow(i, qi)
		kernelRow(j, qj)

		quad := qi[i] + qj[j] - 2*qi[j]
		if quad <= 0 {
			quad = svmTau
		}
		oldI, oldJ := alpha[i], alpha[j]
		delta := (grad[i] - grad[j]) / quad
		sum := oldI + oldJ
		ai, aj := oldI-delta, oldJ+delta

		if sum > 1 {
			if ai > 1 {
				ai, aj = 1, sum-1
			}
		} else if aj < 0 {
			ai, aj = sum, 0
		}
		if sum > 1 {
			if aj > 1 {
				ai, aj = sum-1, 1
			}
		} else if ai < 0 {
			ai, aj = 0, sum
		}

		alpha[i], alpha[j] = ai, aj
		di, dj := ai-oldI, aj-oldJ
		for t := range grad {
			grad[t] += qi[t]*di + qj[t]*dj
		}
	}

	model := &oneClassSVM{gamma: gamma, rho: computeRho(alpha, grad), workers: cfg.workers()}
	for t := 0; t < l; t++ {
		if alpha[t] > 0 {
			model.support = append(model.support, append([]float64(nil), train.RawRowView(t)...))
			model.alpha = append(model.alpha, alpha[t])
		}
	}
	return model, nil
}

// computeRho averages the gradient over free support vectors, falling back
// to the midpoint of the feasible interval when none is free.
func computeRho(alpha, grad []float64) float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	var sumFree float64
	free := 0
	for t := range alpha {
		switch {
		case alpha[t] >= 1:
			lb = math.Max(lb, grad[t])
		case alpha[t] <= 0:
			ub = math.Min(ub, grad[t])
		default:
			free++
			sumFree += grad[t]
		}
	}
	if free > 0 {
		return sumFree / float64(free)
	}
	return (ub + lb) / 2
}

// outlierScores returns rho - Σ a_i K(sv_i, x). Positive means outside the
// learned support.
func (m *oneClassSVM) outlierScores(ctx context.Context, x *mat.Dense) ([]float64, error) {
	rows, _ := x.Dims()
	out := make([]float64, rows)
	err := parallelRows(ctx, rows, m.workers, func(i int) {
		point := x.RawRowView(i)
		var decision float64
		for k, sv := range m.support {
			decision += m.alpha[k] * rbf(m.gamma, sv, point)
		}
		out[i] = m.rho - decision
	})
	return out, err
}

// oneClassSVMStage flags rows falling outside the learned support
func oneClassSVMStage(ctx context.Context, x *mat.Dense, cfg *Config) (methodResult, float64, error) {
	rows, _ := x.Dims()
	result := newMethodResult(models.MethodOneClassSVM, rows)

	model, err := fitOneClassSVM(ctx, x, cfg)
	if err != nil {
		return result, 0, err
	}
	scores, err := model.outlierScores(ctx, x)
	if err != nil {
		return result, 0, err
	}

	scale := math.Max(math.Abs(model.rho), svmTau)
	for i, s := range scores {
		if s > 0 {
			result.Flags[i] = true
			result.Scores[i] = 1 + s/scale
		}
	}
	return result, model.rho, nil
}
