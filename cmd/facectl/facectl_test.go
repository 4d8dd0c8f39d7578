package main

import (
	"bytes"
	"image"
	"strings"
	"testing"

	"github.com/example/faceid/internal/classifier"
	"github.com/example/faceid/internal/embedding"
	"github.com/example/faceid/internal/gate"
	"github.com/example/faceid/internal/trainer"
)

func fitPair(t *testing.T) *classifier.Pair {
	t.Helper()
	X := [][]float64{
		{3, 0, 0}, {2.9, 0.1, 0}, {3.1, 0, 0.1},
		{0, 3, 0}, {0.1, 2.9, 0}, {0, 3.1, 0.1},
	}
	y := []string{"Ana de Armas", "Ana de Armas", "Ana de Armas", "Keanu Reeves", "Keanu Reeves", "Keanu Reeves"}
	pair, err := classifier.Fit(X, y, classifier.DefaultTrainOptions())
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	return pair
}

func TestPrintLabels(t *testing.T) {
	pair := fitPair(t)
	var buf bytes.Buffer
	printLabels(&buf, pair)

	out := buf.String()
	if !strings.Contains(out, pair.ID()) {
		t.Fatalf("output missing pair id:\n%s", out)
	}
	if !strings.Contains(out, "3-dimensional") {
		t.Fatalf("output missing dimension:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "1") || !strings.HasSuffix(last, "Keanu Reeves") {
		t.Fatalf("unexpected last row %q", last)
	}
}

func TestPrintIdentificationNoFace(t *testing.T) {
	var buf bytes.Buffer
	if err := printIdentification(&buf, fitPair(t), nil, gate.New(gate.DefaultThreshold)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "No face detected" {
		t.Fatalf("got %q", got)
	}
}

func TestPrintIdentificationUsesFirstFace(t *testing.T) {
	faces := []embedding.Face{
		{Embedding: []float32{0, 3, 0}, BBox: image.Rect(1, 2, 30, 40)},
		{Embedding: []float32{3, 0, 0}, BBox: image.Rect(50, 50, 80, 80)},
	}
	var buf bytes.Buffer
	if err := printIdentification(&buf, fitPair(t), faces, gate.New(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Label:      Keanu Reeves", "Accepted:   true", "(1,2)-(30,40)", "2 faces detected"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintIdentificationDimensionMismatch(t *testing.T) {
	faces := []embedding.Face{{Embedding: []float32{1, 2}}}
	var buf bytes.Buffer
	if err := printIdentification(&buf, fitPair(t), faces, gate.New(0)); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &trainer.Report{
		PairID:      "pair-1",
		Classes:     []string{"a", "b"},
		Embedded:    10,
		Skipped:     []trainer.Skip{{Path: "x.txt", Reason: "decode"}},
		TrainCount:  8,
		TestCount:   2,
		Accuracy:    0.5,
		ModelPath:   "model/classifier.json",
		EncoderPath: "model/label_encoder.json",
	})
	out := buf.String()
	for _, want := range []string{"10 images across 2 people (1 skipped)", "8 train / 2 validation", "50.00%", "pair-1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printReport(&buf, &trainer.Report{Classes: []string{"a", "b"}})
	if !strings.Contains(buf.String(), "n/a") {
		t.Fatalf("expected n/a accuracy:\n%s", buf.String())
	}
}
