// Command ctrldiff trains diffusion models of pitch/loudness control curves,
// samples curves from them and renders the result to audio.
package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cwbudde/algo-ctrldiff/config"
	"github.com/cwbudde/algo-ctrldiff/internal/logutil"
)

func main() {
	cobra.CheckErr(newCLI().ExecuteContext(context.Background()))
}

func newCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ctrldiff",
		Short: "Diffusion models for expressive pitch and loudness curves",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			verbose, _ := cmd.Flags().GetBool("verbose")
			logutil.Setup(verbose)
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Run configuration file (JSON or YAML)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newTrainCmd(),
		newSampleCmd(),
		newRenderCmd(),
		newEvalCmd(),
		newExportCmd(),
		newScheduleCmd(),
		newFitSynthCmd(),
	)
	return rootCmd
}

// loadConfig resolves --config over the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
