// Package embedding defines the face detection and embedding boundary.
//
// The detector itself is an opaque model (remote analyzer, subprocess engine
// or in-process dlib). Callers only see detected faces in the detector's own
// order.
package embedding

import (
	"context"
	"errors"
	"image"
)

// DefaultDimension is the embedding length produced by the ArcFace-style analyzers.
const DefaultDimension = 512

// DlibDimension is the descriptor length of the dlib ResNet model.
const DlibDimension = 128

// ErrDlibUnavailable is returned when the binary was built without the goface tag.
var ErrDlibUnavailable = errors.New("dlib detector unavailable: build with -tags goface")

// Face is a single detection.
type Face struct {
	Embedding []float32
	BBox      image.Rectangle
	Score     float32
}

// Detector returns zero or more faces for a decoded image.
// Finding no face is not an error.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Face, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, img image.Image) ([]Face, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]Face, error) {
	return f(ctx, img)
}

// FaceSelector picks the face to identify from a non-empty detection list.
type FaceSelector func(faces []Face) Face

// FirstFace keeps the first detection in the detector's ordering. Images with
// several people are not disambiguated; the other faces are ignored.
func FirstFace(faces []Face) Face {
	return faces[0]
}

// Float64 converts an embedding to float64 for the classifier.
func Float64(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
