//go:build goface
// +build goface

package embedding

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/example/faceid/internal/imaging"
)

// DlibDetector runs the dlib ResNet model in-process. Its descriptors are
// 128-dimensional, so it only pairs with classifiers trained on this detector.
type DlibDetector struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// NewDlibDetector loads the dlib models from modelsDir.
func NewDlibDetector(modelsDir string) (*DlibDetector, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("dlib: load models from %s: %w", modelsDir, err)
	}
	return &DlibDetector{rec: rec}, nil
}

// Detect encodes img to JPEG and runs recognition on it.
func (d *DlibDetector) Detect(ctx context.Context, img image.Image) ([]Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := imaging.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	found, err := d.rec.Recognize(data)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dlib: recognize: %w", err)
	}

	faces := make([]Face, 0, len(found))
	for _, f := range found {
		vec := make([]float32, len(f.Descriptor))
		copy(vec, f.Descriptor[:])
		faces = append(faces, Face{Embedding: vec, BBox: f.Rectangle, Score: 1})
	}
	return faces, nil
}

// Close releases the native recognizer.
func (d *DlibDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.Close()
	return nil
}
