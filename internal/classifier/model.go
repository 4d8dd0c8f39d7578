// Package classifier implements the identity classifier: a one-vs-rest linear
// SVM with Platt-scaled probabilities, its label encoder, and the persisted
// model pair that ties them together.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// KindLinearOVR identifies the serialized model format.
const KindLinearOVR = "linear_svc_ovr"

var (
	// ErrDimensionMismatch is returned when an embedding does not match the model.
	ErrDimensionMismatch = errors.New("classifier: embedding dimension mismatch")
	// ErrPairMismatch is returned when a classifier and label encoder were not trained together.
	ErrPairMismatch = errors.New("classifier: model pair mismatch")
	// ErrUnknownClass is returned for labels or indices outside the vocabulary.
	ErrUnknownClass = errors.New("classifier: unknown class")
	// ErrTooFewClasses is returned when training data has fewer than two identities.
	ErrTooFewClasses = errors.New("classifier: at least two classes are required")
)

// Sigmoid holds Platt scaling parameters: P(class | f) = 1 / (1 + exp(A*f + B)).
type Sigmoid struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Prob evaluates the sigmoid at decision value f without overflowing.
func (s Sigmoid) Prob(f float64) float64 {
	fApB := s.A*f + s.B
	if fApB >= 0 {
		e := math.Exp(-fApB)
		return e / (1 + e)
	}
	return 1 / (1 + math.Exp(fApB))
}

// Model is a trained linear classifier. It is never mutated after training or
// loading and is safe for concurrent readers.
type Model struct {
	Kind        string      `json:"kind"`
	PairID      string      `json:"pair_id"`
	Dimension   int         `json:"dimension"`
	Weights     [][]float64 `json:"weights"`
	Bias        []float64   `json:"bias"`
	Probability bool        `json:"probability"`
	Sigmoids    []Sigmoid   `json:"sigmoids,omitempty"`
	TrainedAt   time.Time   `json:"trained_at"`
}

// Prediction is the raw classifier output for one embedding.
type Prediction struct {
	Index      int
	Confidence float64 // percentage in [0,100]
}

// NumClasses returns the number of one-vs-rest machines.
func (m *Model) NumClasses() int {
	return len(m.Weights)
}

// Decision returns the signed distance to each class hyperplane.
func (m *Model) Decision(x []float64) ([]float64, error) {
	if len(x) != m.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(x), m.Dimension)
	}
	out := make([]float64, len(m.Weights))
	for k, w := range m.Weights {
		out[k] = floats.Dot(w, x) + m.Bias[k]
	}
	return out, nil
}

// Probabilities returns normalized per-class probabilities. The boolean is
// false when the model was trained without probability estimates.
func (m *Model) Probabilities(x []float64) ([]float64, bool, error) {
	dec, err := m.Decision(x)
	if err != nil {
		return nil, false, err
	}
	if !m.Probability || len(m.Sigmoids) != len(dec) {
		return nil, false, nil
	}
	probs := make([]float64, len(dec))
	for k, f := range dec {
		probs[k] = m.Sigmoids[k].Prob(f)
	}
	if sum := floats.Sum(probs); sum > 0 {
		floats.Scale(1/sum, probs)
	} else {
		for k := range probs {
			probs[k] = 1 / float64(len(probs))
		}
	}
	return probs, true, nil
}

// Predict picks the most probable class and reports its probability as a
// percentage. Without probability estimates the class is the largest decision
// value and the confidence is 0.
func (m *Model) Predict(x []float64) (Prediction, error) {
	probs, ok, err := m.Probabilities(x)
	if err != nil {
		return Prediction{}, err
	}
	if ok {
		idx := floats.MaxIdx(probs)
		return Prediction{Index: idx, Confidence: probs[idx] * 100}, nil
	}
	dec, err := m.Decision(x)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{Index: floats.MaxIdx(dec), Confidence: 0}, nil
}

func (m *Model) validate() error {
	if m.Kind != KindLinearOVR {
		return fmt.Errorf("classifier: unsupported model kind %q", m.Kind)
	}
	if m.Dimension <= 0 {
		return fmt.Errorf("classifier: invalid dimension %d", m.Dimension)
	}
	if len(m.Weights) < 2 || len(m.Bias) != len(m.Weights) {
		return fmt.Errorf("classifier: %d weight vectors with %d biases", len(m.Weights), len(m.Bias))
	}
	for k, w := range m.Weights {
		if len(w) != m.Dimension {
			return fmt.Errorf("classifier: class %d has %d weights, want %d", k, len(w), m.Dimension)
		}
	}
	if m.Probability && len(m.Sigmoids) != len(m.Weights) {
		return fmt.Errorf("classifier: %d sigmoids for %d classes", len(m.Sigmoids), len(m.Weights))
	}
	return nil
}
