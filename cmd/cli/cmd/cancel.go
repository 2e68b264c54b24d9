package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run_id]",
	Short: "Cancel a run",
	Long: `Request cancellation of a run. Queued runs are canceled immediately.
Executing runs transition to PENDING_CANCEL and finish canceling once the
worker stops the attempt.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the RUNPLANE_TOKEN environment variable")
			return
		}

		client := NewClient(url, token)
		snap, err := client.CancelRun(runID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		cmd.Printf("⊘ Cancellation requested.\nRun: %s\nExecution status: %s\n", runID, snap.ExecutionStatus)
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
