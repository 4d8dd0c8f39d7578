package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Default artifact file names inside a model directory.
const (
	ModelFile   = "classifier.json"
	EncoderFile = "label_encoder.json"
)

// Pair is the classifier and label encoder trained together. It is built once
// (by training or LoadPair) and only read afterwards.
type Pair struct {
	model   *Model
	encoder *LabelEncoder
}

// NewPair validates that model and encoder share a label universe.
func NewPair(model *Model, encoder *LabelEncoder) (*Pair, error) {
	if model == nil || encoder == nil {
		return nil, fmt.Errorf("%w: missing artifact", ErrPairMismatch)
	}
	if err := model.validate(); err != nil {
		return nil, err
	}
	if model.PairID == "" || model.PairID != encoder.PairID {
		return nil, fmt.Errorf("%w: classifier pair id %q, encoder pair id %q", ErrPairMismatch, model.PairID, encoder.PairID)
	}
	if model.NumClasses() != encoder.Len() {
		return nil, fmt.Errorf("%w: classifier has %d classes, encoder has %d labels", ErrPairMismatch, model.NumClasses(), encoder.Len())
	}
	return &Pair{model: model, encoder: encoder}, nil
}

// LoadPair reads both artifacts and validates them as a unit.
func LoadPair(modelPath, encoderPath string) (*Pair, error) {
	var model Model
	if err := readJSON(modelPath, &model); err != nil {
		return nil, err
	}
	var enc LabelEncoder
	if err := readJSON(encoderPath, &enc); err != nil {
		return nil, err
	}
	return NewPair(&model, &enc)
}

// Save writes both artifacts into dir and returns their paths.
func (p *Pair) Save(dir string) (modelPath, encoderPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("classifier: create %s: %w", dir, err)
	}
	modelPath = filepath.Join(dir, ModelFile)
	encoderPath = filepath.Join(dir, EncoderFile)
	if err := writeJSON(modelPath, p.model); err != nil {
		return "", "", err
	}
	if err := writeJSON(encoderPath, p.encoder); err != nil {
		return "", "", err
	}
	return modelPath, encoderPath, nil
}

// Classify runs the model on one embedding.
func (p *Pair) Classify(embedding []float64) (Prediction, error) {
	return p.model.Predict(embedding)
}

// Decode maps a predicted index back to its identity label.
func (p *Pair) Decode(index int) (string, error) {
	return p.encoder.Decode(index)
}

// Labels returns a copy of the vocabulary.
func (p *Pair) Labels() []string {
	out := make([]string, len(p.encoder.Classes))
	copy(out, p.encoder.Classes)
	return out
}

// ID is the identifier shared by both artifacts.
func (p *Pair) ID() string {
	return p.model.PairID
}

// Dimension is the embedding length the model accepts.
func (p *Pair) Dimension() int {
	return p.model.Dimension
}

// Model exposes the underlying classifier for reporting.
func (p *Pair) Model() *Model {
	return p.model
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("classifier: open %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("classifier: decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("classifier: create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("classifier: encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("classifier: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("classifier: rename %s: %w", path, err)
	}
	return nil
}
