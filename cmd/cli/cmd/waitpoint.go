package cmd

import (
	"runplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var waitpointCmd = &cobra.Command{
	Use:   "waitpoint",
	Short: "Manage waitpoints",
}

var waitpointCompleteCmd = &cobra.Command{
	Use:   "complete [waitpoint_id]",
	Short: "Complete a manual waitpoint",
	Long: `Complete a MANUAL waitpoint so that runs blocked on it resume.

Example:
  runctl waitpoint complete wp_123 --output '{"approved":true}'
  runctl waitpoint complete wp_123 --error '{"reason":"rejected"}'`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		waitpointID := args[0]

		output, _ := cmd.Flags().GetString("output")
		errOutput, _ := cmd.Flags().GetString("error")

		if output != "" && errOutput != "" {
			cmd.Println("Error: --output and --error are mutually exclusive")
			return
		}

		req := api.CompleteWaitpointRequest{}
		if errOutput != "" {
			req.Output = []byte(errOutput)
			req.OutputIsError = true
		} else if output != "" {
			req.Output = []byte(output)
		}

		client := NewClient(viper.GetString("url"), viper.GetString("token"))
		wp, err := client.CompleteWaitpoint(waitpointID, req)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Waitpoint completed!\nID: %s\nStatus: %s\n", wp.FriendlyID, wp.Status)
	},
}

func init() {
	waitpointCompleteCmd.Flags().StringP("output", "o", "", "JSON output delivered to blocked runs")
	waitpointCompleteCmd.Flags().String("error", "", "JSON error output delivered to blocked runs")

	rootCmd.AddCommand(waitpointCmd)
	waitpointCmd.AddCommand(waitpointCompleteCmd)
}
