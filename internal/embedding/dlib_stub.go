//go:build !goface
// +build !goface

package embedding

import (
	"context"
	"image"
)

// DlibDetector is a placeholder when dlib support is compiled out.
type DlibDetector struct{}

// NewDlibDetector always fails without the goface build tag.
func NewDlibDetector(string) (*DlibDetector, error) {
	return nil, ErrDlibUnavailable
}

// Detect implements Detector.
func (*DlibDetector) Detect(context.Context, image.Image) ([]Face, error) {
	return nil, ErrDlibUnavailable
}

// Close implements io.Closer.
func (*DlibDetector) Close() error { return nil }
