package main

import (
	"github.com/spf13/cobra"

	"orangecat/governance/internal/platform"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Resolve proposals whose voting window has closed",
	Long: `Run one expiry sweep immediately, outside governd's schedule. Proposals
that pass are executed as part of the sweep.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRuntime(cmd.Context(), func(rt *platform.Runtime) error {
			report, err := rt.Sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

var retryActor string

var retryCmd = &cobra.Command{
	Use:   "retry <proposal-id>",
	Short: "Retry the action of a passed proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *platform.Runtime) error {
			result, err := rt.Service.RetryExecution(cmd.Context(), args[0], retryActor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		})
	},
}

func init() {
	sweepCmd.GroupID = "ops"
	rootCmd.AddCommand(sweepCmd)

	retryCmd.Flags().StringVar(&retryActor, "actor", "", "Admin actor performing the retry (required)")
	if err := retryCmd.MarkFlagRequired("actor"); err != nil {
		panic(err)
	}
	retryCmd.GroupID = "ops"
	rootCmd.AddCommand(retryCmd)
}
