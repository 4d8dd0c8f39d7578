package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/faceid/internal/classifier"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "List the people a saved model can recognise",
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, err := loadPair()
		if err != nil {
			return err
		}
		printLabels(cmd.OutOrStdout(), pair)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelsCmd)
}

func printLabels(out io.Writer, pair *classifier.Pair) {
	fmt.Fprintf(out, "Model pair %s (%d-dimensional embeddings)\n\n", pair.ID(), pair.Dimension())

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INDEX\tLABEL")
	fmt.Fprintln(w, "-----\t-----")
	for i, label := range pair.Labels() {
		fmt.Fprintf(w, "%d\t%s\n", i, label)
	}
	w.Flush()
}
