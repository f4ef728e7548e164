package anomaly

import (
	"context"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"ledger-reconciliation-service/internal/models"
)

const eulerGamma = 0.5772156649015329

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	m := float64(n - 1)
	return 2*(math.Log(m)+eulerGamma) - 2*m/float64(n)
}

type itreeNode struct {
	feature int
	split   float64
	left    int
	right   int
	size    int
	leaf    bool
}

type itree struct {
	nodes []itreeNode
}

type isolationForest struct {
	trees   []itree
	psi     int
	workers int
}

// fitIsolationForest grows cfg.Trees trees on subsamples of x. Each tree
// draws from its own generator, seeded up front from cfg.Seed, so the forest
// does not depend on goroutine scheduling.
func fitIsolationForest(ctx context.Context, x *mat.Dense, cfg *Config) (*isolationForest, error) {
	rows, _ := x.Dims()
	psi := cfg.SubsampleSize
	if psi > rows {
		psi = rows
	}
	limit := int(math.Ceil(math.Log2(float64(psi))))

	master := rand.New(rand.NewSource(cfg.Seed))
	seeds := make([]int64, cfg.Trees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	forest := &isolationForest{trees: make([]itree, cfg.Trees), psi: psi, workers: cfg.workers()}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(forest.workers)
	for i := range seeds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			sample := rng.Perm(rows)[:psi]
			t := itree{}
			t.grow(x, sample, 0, limit, rng)
			forest.trees[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return forest, nil
}

// grow appends the subtree over sample and returns its node index
func (t *itree) grow(x *mat.Dense, sample []int, depth, limit int, rng *rand.Rand) int {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, itreeNode{size: len(sample), leaf: true})
	if depth >= limit || len(sample) <= 1 {
		return idx
	}

	// only features that still vary inside this node can split it
	var candidates []int
	_, cols := x.Dims()
	lo := make([]float64, cols)
	hi := make([]float64, cols)
	for j := 0; j < cols; j++ {
		lo[j], hi[j] = math.Inf(1), math.Inf(-1)
		for _, i := range sample {
			v := x.At(i, j)
			lo[j] = math.Min(lo[j], v)
			hi[j] = math.Max(hi[j], v)
		}
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return idx
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right []int
	for _, i := range sample {
		if x.At(i, feature) < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := t.grow(x, left, depth+1, limit, rng)
	r := t.grow(x, right, depth+1, limit, rng)
	t.nodes[idx] = itreeNode{feature: feature, split: split, left: l, right: r, size: len(sample)}
	return idx
}

func (t *itree) pathLength(point []float64) float64 {
	node := 0
	depth := 0
	for !t.nodes[node].leaf {
		n := t.nodes[node]
		if point[n.feature] < n.split {
			node = n.left
		} else {
			node = n.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(t.nodes[node].size)
}

// scores returns s(x) = 2^(-E[h(x)]/c(psi)) for every row of x
func (f *isolationForest) scores(ctx context.Context, x *mat.Dense) ([]float64, error) {
	rows, _ := x.Dims()
	out := make([]float64, rows)
	norm := averagePathLength(f.psi)

	err := parallelRows(ctx, rows, f.workers, func(i int) {
		point := x.RawRowView(i)
		var total float64
		for k := range f.trees {
			total += f.trees[k].pathLength(point)
		}
		mean := total / float64(len(f.trees))
		if norm == 0 {
			out[i] = 0.5
			return
		}
		out[i] = math.Pow(2, -mean/norm)
	})
	return out, err
}

// isolationForestStage flags rows scoring above the (1 - contamination)
// quantile of the training scores.
func isolationForestStage(ctx context.Context, x *mat.Dense, cfg *Config) (methodResult, float64, error) {
	rows, _ := x.Dims()
	result := newMethodResult(models.MethodIsolationForest, rows)

	forest, err := fitIsolationForest(ctx, x, cfg)
	if err != nil {
		return result, 0, err
	}
	scores, err := forest.scores(ctx, x)
	if err != nil {
		return result, 0, err
	}

	threshold := quantile(sortedCopy(scores), 1-cfg.Contamination)
	for i, s := range scores {
		if s > threshold && threshold > 0 {
			result.Flags[i] = true
			result.Scores[i] = s / threshold
		}
	}
	return result, threshold, nil
}

// parallelRows calls fn for every row index in [0, n) using at most workers
// goroutines. fn must only write to per-row state.
func parallelRows(ctx context.Context, n, workers int, fn func(i int)) error {
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers
	if chunk == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if (i-start)%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				fn(i)
			}
			return nil
		})
	}
	return g.Wait()
}
