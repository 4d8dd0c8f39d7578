// Package trainer builds a classifier pair from a directory of labelled face
// images laid out as <dataset>/<person>/<image>.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/example/faceid/internal/classifier"
	"github.com/example/faceid/internal/embedding"
	"github.com/example/faceid/internal/imaging"
)

// DefaultDedupDistance is the dHash distance under which two images of the
// same person count as near-duplicates.
const DefaultDedupDistance = 10

// ErrNoSamples is returned when no image yielded an embedding.
var ErrNoSamples = errors.New("trainer: no usable face images found")

// Sample is one image file and the person it is labelled with.
type Sample struct {
	Label string
	Path  string
}

// Skip records why a file did not make it into the training set.
type Skip struct {
	Path   string
	Reason string
}

// Options controls a training run.
type Options struct {
	Dataset       string
	OutDir        string
	TestSize      float64
	Train         classifier.TrainOptions
	Dedup         bool
	DedupDistance int
	FaceSelector  embedding.FaceSelector
	Progress      io.Writer
}

// Report summarises a training run.
type Report struct {
	PairID      string
	Classes     []string
	Embedded    int
	Skipped     []Skip
	TrainCount  int
	TestCount   int
	Accuracy    float64
	ModelPath   string
	EncoderPath string
}

// Discover lists the images under dataset. Each immediate subdirectory is a
// label; loose files at the top level and nested directories are ignored.
func Discover(dataset string) ([]Sample, error) {
	people, err := os.ReadDir(dataset)
	if err != nil {
		return nil, fmt.Errorf("trainer: read dataset: %w", err)
	}

	var samples []Sample
	for _, person := range people {
		if !person.IsDir() || strings.HasPrefix(person.Name(), ".") {
			continue
		}
		dir := filepath.Join(dataset, person.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("trainer: read %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			samples = append(samples, Sample{Label: person.Name(), Path: filepath.Join(dir, f.Name())})
		}
	}
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Label != samples[j].Label {
			return samples[i].Label < samples[j].Label
		}
		return samples[i].Path < samples[j].Path
	})
	return samples, nil
}

// Run embeds every sample, fits the encoder on all labels, trains on the
// training split, reports accuracy on the held-out split and saves the pair.
func Run(ctx context.Context, det embedding.Detector, opts Options, logger *zap.Logger) (*Report, error) {
	logger = logger.Named("trainer")
	if opts.FaceSelector == nil {
		opts.FaceSelector = embedding.FirstFace
	}
	if opts.DedupDistance <= 0 {
		opts.DedupDistance = DefaultDedupDistance
	}
	progress := opts.Progress
	if progress == nil {
		progress = io.Discard
	}

	samples, err := Discover(opts.Dataset)
	if err != nil {
		return nil, err
	}
	logger.Info("dataset discovered", zap.String("dataset", opts.Dataset), zap.Int("files", len(samples)))

	bar := progressbar.NewOptions(len(samples),
		progressbar.OptionSetDescription("embedding faces"),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionShowCount(),
	)

	report := &Report{}
	var (
		X      [][]float64
		labels []string
		seen   = map[string][]*goimagehash.ImageHash{}
	)
	skip := func(path, reason string) {
		report.Skipped = append(report.Skipped, Skip{Path: path, Reason: reason})
		logger.Warn("skipping image", zap.String("path", path), zap.String("reason", reason))
	}

	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar.Add(1) //nolint:errcheck

		data, err := os.ReadFile(s.Path)
		if err != nil {
			skip(s.Path, "unreadable: "+err.Error())
			continue
		}
		img, err := imaging.Decode(data)
		if err != nil {
			skip(s.Path, "not a decodable image")
			continue
		}

		if opts.Dedup {
			hash, err := imaging.DHash(img)
			if err == nil {
				if isNearDuplicate(hash, seen[s.Label], opts.DedupDistance) {
					skip(s.Path, "near-duplicate")
					continue
				}
				seen[s.Label] = append(seen[s.Label], hash)
			}
		}

		faces, err := det.Detect(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("trainer: detect %s: %w", s.Path, err)
		}
		if len(faces) == 0 {
			skip(s.Path, "no face detected")
			continue
		}

		X = append(X, embedding.Float64(opts.FaceSelector(faces).Embedding))
		labels = append(labels, s.Label)
	}
	bar.Finish() //nolint:errcheck
	fmt.Fprintln(progress)

	if len(X) == 0 {
		return nil, ErrNoSamples
	}
	report.Embedded = len(X)

	enc := classifier.FitLabelEncoder(labels)
	y, err := enc.EncodeAll(labels)
	if err != nil {
		return nil, err
	}
	if enc.Len() < 2 {
		return nil, classifier.ErrTooFewClasses
	}

	trainIdx, testIdx, err := classifier.Split(len(X), opts.TestSize, opts.Train.Seed)
	if err != nil {
		return nil, err
	}
	Xtrain, ytrain := subset(X, y, trainIdx)
	Xtest, ytest := subset(X, y, testIdx)
	report.TrainCount, report.TestCount = len(Xtrain), len(Xtest)

	model, err := classifier.Train(Xtrain, ytrain, enc.Len(), opts.Train)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	model.PairID = id
	enc.PairID = id
	pair, err := classifier.NewPair(model, enc)
	if err != nil {
		return nil, err
	}

	if len(Xtest) > 0 {
		pred := make([]int, len(Xtest))
		for i, x := range Xtest {
			p, err := pair.Classify(x)
			if err != nil {
				return nil, err
			}
			pred[i] = p.Index
		}
		report.Accuracy = classifier.Accuracy(pred, ytest)
	}

	report.ModelPath, report.EncoderPath, err = pair.Save(opts.OutDir)
	if err != nil {
		return nil, err
	}
	report.PairID = id
	report.Classes = pair.Labels()

	logger.Info("training complete",
		zap.String("pair_id", id),
		zap.Int("classes", len(report.Classes)),
		zap.Int("train", report.TrainCount),
		zap.Int("test", report.TestCount),
		zap.Float64("accuracy", report.Accuracy),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

func isNearDuplicate(hash *goimagehash.ImageHash, kept []*goimagehash.ImageHash, threshold int) bool {
	for _, k := range kept {
		if d, err := hash.Distance(k); err == nil && d < threshold {
			return true
		}
	}
	return false
}

func subset(X [][]float64, y []int, idx []int) ([][]float64, []int) {
	xs := make([][]float64, len(idx))
	ys := make([]int, len(idx))
	for i, j := range idx {
		xs[i] = X[j]
		ys[i] = y[j]
	}
	return xs, ys
}
