package classifier

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
)

// TrainOptions tunes the linear SVM solver.
type TrainOptions struct {
	C           float64 // soft-margin penalty
	MaxIter     int     // passes over the data per class
	Tolerance   float64 // projected-gradient stopping threshold
	Seed        int64
	Probability bool // fit Platt sigmoids
}

// DefaultTrainOptions mirrors a linear-kernel SVC with probability estimates enabled.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{C: 1, MaxIter: 1000, Tolerance: 1e-3, Seed: 42, Probability: true}
}

// Fit builds a label encoder from labels, trains a model over X and returns
// them as a pair sharing a fresh pair id.
func Fit(X [][]float64, labels []string, opts TrainOptions) (*Pair, error) {
	enc := FitLabelEncoder(labels)
	y, err := enc.EncodeAll(labels)
	if err != nil {
		return nil, err
	}
	model, err := Train(X, y, enc.Len(), opts)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	enc.PairID = id
	model.PairID = id
	return NewPair(model, enc)
}

// Train fits one binary linear SVM per class (one-vs-rest) with dual
// coordinate descent on the hinge loss, then optionally fits a Platt sigmoid
// on each machine's decision values.
func Train(X [][]float64, y []int, nClasses int, opts TrainOptions) (*Model, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("classifier: %d samples with %d labels", len(X), len(y))
	}
	if nClasses < 2 {
		return nil, ErrTooFewClasses
	}
	dim := len(X[0])
	if dim == 0 {
		return nil, fmt.Errorf("classifier: empty feature vectors")
	}
	for i, x := range X {
		if len(x) != dim {
			return nil, fmt.Errorf("%w: sample %d has %d features, want %d", ErrDimensionMismatch, i, len(x), dim)
		}
		if y[i] < 0 || y[i] >= nClasses {
			return nil, fmt.Errorf("%w: sample %d has class %d", ErrUnknownClass, i, y[i])
		}
	}
	if opts.C <= 0 {
		opts.C = 1
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = 1000
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 1e-3
	}

	model := &Model{
		Kind:        KindLinearOVR,
		Dimension:   dim,
		Weights:     make([][]float64, nClasses),
		Bias:        make([]float64, nClasses),
		Probability: opts.Probability,
		TrainedAt:   time.Now().UTC(),
	}
	if opts.Probability {
		model.Sigmoids = make([]Sigmoid, nClasses)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	target := make([]float64, len(y))
	for k := 0; k < nClasses; k++ {
		for i, c := range y {
			if c == k {
				target[i] = 1
			} else {
				target[i] = -1
			}
		}
		w, b := trainBinary(X, target, opts, rng)
		model.Weights[k] = w
		model.Bias[k] = b

		if opts.Probability {
			dec := make([]float64, len(X))
			for i, x := range X {
				dec[i] = floats.Dot(w, x) + b
			}
			model.Sigmoids[k] = fitSigmoid(dec, target)
		}
	}
	return model, nil
}

// trainBinary solves the L1-loss SVM dual with a bias folded in as a
// constant feature. target holds +1/-1.
func trainBinary(X [][]float64, target []float64, opts TrainOptions, rng *rand.Rand) ([]float64, float64) {
	n := len(X)
	w := make([]float64, len(X[0]))
	var b float64

	alpha := make([]float64, n)
	qd := make([]float64, n)
	for i, x := range X {
		qd[i] = floats.Dot(x, x) + 1
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	for iter := 0; iter < opts.MaxIter; iter++ {
		rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		pgMax, pgMin := math.Inf(-1), math.Inf(1)
		for _, i := range idx {
			g := target[i]*(floats.Dot(w, X[i])+b) - 1

			pg := g
			switch {
			case alpha[i] == 0:
				pg = math.Min(g, 0)
			case alpha[i] == opts.C:
				pg = math.Max(g, 0)
			}
			pgMax = math.Max(pgMax, pg)
			pgMin = math.Min(pgMin, pg)

			if pg == 0 {
				continue
			}
			old := alpha[i]
			alpha[i] = math.Min(math.Max(old-g/qd[i], 0), opts.C)
			delta := (alpha[i] - old) * target[i]
			if delta != 0 {
				floats.AddScaled(w, delta, X[i])
				b += delta
			}
		}
		if pgMax-pgMin <= opts.Tolerance {
			break
		}
	}
	return w, b
}

// fitSigmoid fits Platt's sigmoid to decision values with Newton's method and
// backtracking line search, using smoothed targets to avoid overfitting.
func fitSigmoid(dec, target []float64) Sigmoid {
	const (
		maxIter = 100
		minStep = 1e-10
		sigma   = 1e-12
		eps     = 1e-5
	)

	var prior1, prior0 float64
	for _, t := range target {
		if t > 0 {
			prior1++
		} else {
			prior0++
		}
	}
	hi := (prior1 + 1) / (prior1 + 2)
	lo := 1 / (prior0 + 2)
	t := make([]float64, len(target))
	for i, v := range target {
		if v > 0 {
			t[i] = hi
		} else {
			t[i] = lo
		}
	}

	objective := func(a, b float64) float64 {
		var f float64
		for i, d := range dec {
			fApB := d*a + b
			if fApB >= 0 {
				f += t[i]*fApB + math.Log1p(math.Exp(-fApB))
			} else {
				f += (t[i]-1)*fApB + math.Log1p(math.Exp(fApB))
			}
		}
		return f
	}

	a, b := 0.0, math.Log((prior0+1)/(prior1+1))
	fval := objective(a, b)

	for it := 0; it < maxIter; it++ {
		h11, h22 := sigma, sigma
		var h21, g1, g2 float64
		for i, d := range dec {
			fApB := d*a + b
			var p, q float64
			if fApB >= 0 {
				e := math.Exp(-fApB)
				p = e / (1 + e)
				q = 1 / (1 + e)
			} else {
				e := math.Exp(fApB)
				p = 1 / (1 + e)
				q = e / (1 + e)
			}
			d2 := p * q
			h11 += d * d * d2
			h22 += d2
			h21 += d * d2
			d1 := t[i] - p
			g1 += d * d1
			g2 += d1
		}
		if math.Abs(g1) < eps && math.Abs(g2) < eps {
			break
		}

		det := h11*h22 - h21*h21
		dA := -(h22*g1 - h21*g2) / det
		dB := -(-h21*g1 + h11*g2) / det
		gd := g1*dA + g2*dB

		step := 1.0
		for step >= minStep {
			na, nb := a+step*dA, b+step*dB
			nf := objective(na, nb)
			if nf < fval+1e-4*step*gd {
				a, b, fval = na, nb, nf
				break
			}
			step /= 2
		}
		if step < minStep {
			break
		}
	}
	return Sigmoid{A: a, B: b}
}

// Split shuffles n sample indices with seed and holds out ceil(n*testSize) of
// them for validation.
func Split(n int, testSize float64, seed int64) (train, test []int, err error) {
	if testSize < 0 || testSize >= 1 {
		return nil, nil, fmt.Errorf("classifier: test size %v outside [0,1)", testSize)
	}
	nTest := int(math.Ceil(float64(n) * testSize))
	if n-nTest < 1 {
		return nil, nil, fmt.Errorf("classifier: %d samples leave nothing to train on", n)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return perm[nTest:], perm[:nTest], nil
}

// Accuracy is the fraction of predictions equal to the truth.
func Accuracy(pred, truth []int) float64 {
	if len(pred) == 0 || len(pred) != len(truth) {
		return 0
	}
	var hits int
	for i := range pred {
		if pred[i] == truth[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(pred))
}
