package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/faceid/internal/classifier"
	"github.com/example/faceid/internal/embedding"
	"github.com/example/faceid/internal/gate"
	"github.com/example/faceid/internal/imaging"
)

var identifyThreshold float64

var identifyCmd = &cobra.Command{
	Use:   "identify IMAGE",
	Short: "Classify the first face in an image without enrichment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, err := loadPair()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		img, err := imaging.Decode(data)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		det, closeDetector, err := openDetector(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDetector() //nolint:errcheck

		faces, err := det.Detect(cmd.Context(), img)
		if err != nil {
			return err
		}
		return printIdentification(cmd.OutOrStdout(), pair, faces, gate.New(identifyThreshold))
	},
}

func init() {
	rootCmd.AddCommand(identifyCmd)
	identifyCmd.Flags().Float64Var(&identifyThreshold, "threshold", gate.DefaultThreshold, "confidence the server would require")
}

func printIdentification(w io.Writer, pair *classifier.Pair, faces []embedding.Face, g gate.Gate) error {
	if len(faces) == 0 {
		fmt.Fprintln(w, "No face detected")
		return nil
	}
	face := embedding.FirstFace(faces)
	pred, err := pair.Classify(embedding.Float64(face.Embedding))
	if err != nil {
		return err
	}
	label, err := pair.Decode(pred.Index)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Label:      %s\n", label)
	fmt.Fprintf(w, "Confidence: %.2f%%\n", gate.Round2(pred.Confidence))
	fmt.Fprintf(w, "Accepted:   %t (threshold %.2f)\n", g.Accept(pred.Confidence), g.Threshold)
	fmt.Fprintf(w, "Face box:   %v\n", face.BBox)
	if len(faces) > 1 {
		fmt.Fprintf(w, "Note: %d faces detected, only the first was classified\n", len(faces))
	}
	return nil
}
