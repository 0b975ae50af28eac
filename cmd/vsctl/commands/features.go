package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicesafe/pkg/features"
)

var featuresCmd = &cobra.Command{
	Use:   "features FILE",
	Short: "Print the feature vector of a recording",
	Long: `Print the acoustic feature vector the scorer sees for a recording.

Useful when tuning a weight set: every term in a weights file names one of
these features.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newLocalApp(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown(context.Background())

		rep, err := analyzeFile(ctx, a.Analyzer(), args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, rep.Vector)
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		values := rep.Vector.Values()
		for i, name := range features.Names() {
			fmt.Fprintf(tw, "%s\t%.6g\n", name, values[i])
		}
		fmt.Fprintf(tw, "low_confidence\t%t\n", rep.Vector.LowConfidence)
		return tw.Flush()
	},
}
