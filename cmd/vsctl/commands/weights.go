package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicesafe/pkg/scoring"
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Show or validate scoring weights",
}

var weightsShowCmd = &cobra.Command{
	Use:   "show [FILE]",
	Short: "Print a weight set as YAML",
	Long: `Print a weight set as YAML.

Without FILE the built-in defaults are printed, which makes a good starting
point for a tuned set:

  vsctl weights show > weights.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := scoring.DefaultWeights()
		if len(args) == 1 {
			var err error
			if w, err = scoring.LoadWeights(args[0]); err != nil {
				return err
			}
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(w); err != nil {
			return err
		}
		return enc.Close()
	},
}

var weightsValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a weight set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := scoring.LoadWeights(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
		return nil
	},
}

func init() {
	weightsCmd.AddCommand(weightsShowCmd)
	weightsCmd.AddCommand(weightsValidateCmd)
}
