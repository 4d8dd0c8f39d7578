package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/faceid/internal/classifier"
	"github.com/example/faceid/internal/trainer"
)

var trainOpts struct {
	dataset  string
	testSize float64
	seed     int64
	c        float64
	maxIter  int
	noProba  bool
	dedup    bool
	distance int
	quiet    bool
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a classifier from <dataset>/<person>/<image> folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		det, closeDetector, err := openDetector(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDetector() //nolint:errcheck

		opts := classifier.DefaultTrainOptions()
		opts.C = trainOpts.c
		opts.MaxIter = trainOpts.maxIter
		opts.Seed = trainOpts.seed
		opts.Probability = !trainOpts.noProba

		var progress io.Writer = os.Stderr
		if trainOpts.quiet {
			progress = nil
		}

		report, err := trainer.Run(cmd.Context(), det, trainer.Options{
			Dataset:       trainOpts.dataset,
			OutDir:        modelDir,
			TestSize:      trainOpts.testSize,
			Train:         opts,
			Dedup:         trainOpts.dedup,
			DedupDistance: trainOpts.distance,
			Progress:      progress,
		}, logger)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)
	f := trainCmd.Flags()
	f.StringVarP(&trainOpts.dataset, "dataset", "d", "dataset", "dataset root directory")
	f.Float64Var(&trainOpts.testSize, "test-size", 0.2, "fraction of samples held out for validation")
	f.Int64Var(&trainOpts.seed, "seed", 42, "random seed for the split and the solver")
	f.Float64Var(&trainOpts.c, "c", 1, "SVM soft-margin penalty")
	f.IntVar(&trainOpts.maxIter, "max-iter", 1000, "solver passes per class")
	f.BoolVar(&trainOpts.noProba, "no-probability", false, "skip probability calibration (confidence will be 0)")
	f.BoolVar(&trainOpts.dedup, "dedup", false, "skip near-duplicate images of the same person")
	f.IntVar(&trainOpts.distance, "dedup-distance", trainer.DefaultDedupDistance, "dHash distance below which images are duplicates")
	f.BoolVarP(&trainOpts.quiet, "quiet", "q", false, "hide the progress bar")
}

func printReport(w io.Writer, r *trainer.Report) {
	fmt.Fprintf(w, "Embedded %d images across %d people (%d skipped)\n", r.Embedded, len(r.Classes), len(r.Skipped))
	fmt.Fprintf(w, "Split: %d train / %d validation\n", r.TrainCount, r.TestCount)
	if r.TestCount > 0 {
		fmt.Fprintf(w, "Validation accuracy: %.2f%%\n", r.Accuracy*100)
	} else {
		fmt.Fprintln(w, "Validation accuracy: n/a (no held-out samples)")
	}
	fmt.Fprintf(w, "Model pair %s saved to:\n  %s\n  %s\n", r.PairID, r.ModelPath, r.EncoderPath)
}
