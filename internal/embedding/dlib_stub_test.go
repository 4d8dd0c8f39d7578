//go:build !goface
// +build !goface

package embedding

import (
	"errors"
	"testing"
)

func TestDlibDetectorUnavailableWithoutTag(t *testing.T) {
	det, err := NewDlibDetector("./models")
	if !errors.Is(err, ErrDlibUnavailable) {
		t.Fatalf("expected ErrDlibUnavailable, got %v", err)
	}
	if det != nil {
		t.Fatal("expected nil detector")
	}
}
