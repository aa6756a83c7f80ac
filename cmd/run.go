package cmd

import (
	"fmt"

	"github.com/datajourney/etl/pipeline"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <pipeline-id>",
		Short: "Runs a single pipeline end to end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := initializeConfigAndLogger()
			if err != nil {
				return err
			}

			deps := pipeline.NewDeps(cfg, log)
			summary, err := pipeline.Run(cmd.Context(), deps, args[0])
			if err != nil {
				log.Error(fmt.Sprintf("Error running pipeline: %v", err))
				return err
			}
			if !summary.Completed() {
				return fmt.Errorf("pipeline %s failed at stage %s: %w",
					args[0], summary.FailedStage, summary.Err)
			}
			log.Info(fmt.Sprintf("Pipeline %s completed without errors. Loaded %d rows in %s",
				args[0], summary.FinalRows, summary.Elapsed))
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists the available pipeline ids",
		Run: func(cmd *cobra.Command, args []string) {
			for _, id := range pipeline.IDs() {
				fmt.Println(id)
			}
		},
	}
}
