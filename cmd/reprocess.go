package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess",
		Short: "Recomputes processed content for every stored post",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), app)

			summary, err := app.ReprocessAll(cmd.Context())
			if printErr := printJSON(cmd, summary); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("reprocess: %w", err)
			}
			return nil
		},
	}
}
