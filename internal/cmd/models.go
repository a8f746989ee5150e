package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models available on the server",
	Long: `Connect to the server, request the model list and print one model
per line.`,
	Args: cobra.NoArgs,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := connectSession(ctx)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	models, err := s.ListModels(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(models) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No models available")
		return nil
	}
	for _, m := range models {
		fmt.Fprintln(out, m)
	}
	return nil
}
