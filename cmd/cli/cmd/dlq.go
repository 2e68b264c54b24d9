package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the Dead Letter Queue (DLQ)",
	Long:  `Inspect and redrive runs that have permanently failed after exhausting their nack limit.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered runs",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"), viper.GetString("token"))

		entries, err := client.ListDeadLetter()
		if err != nil {
			cmd.Printf("Error fetching DLQ: %s\n", err)
			os.Exit(1)
		}

		if len(entries) == 0 {
			cmd.Println("No runs found in DLQ.")
			return
		}

		// Print table
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "MESSAGE ID\tRUN\tQUEUE\tNACKS\tDEAD LETTERED AT\tREASON")
		for _, e := range entries {
			reason := e.Reason
			// Truncate long reasons for the table view
			if len(reason) > 50 {
				reason = reason[:47] + "..."
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.MessageID,
				e.RunID,
				e.Queue,
				e.Nacks,
				e.DeadLetteredAt.Format(time.RFC3339),
				reason,
			)
		}
		w.Flush()
	},
}

var dlqRedriveCmd = &cobra.Command{
	Use:   "redrive [message_id]",
	Short: "Move a dead-lettered run back onto its queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		messageID := args[0]
		client := NewClient(viper.GetString("url"), viper.GetString("token"))

		resp, err := client.RedriveDeadLetter(messageID)
		if err != nil {
			cmd.Printf("Error redriving message: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("✅ Message %s redriven successfully.\n", resp.MessageID)
		cmd.Printf("   Queue: %s\n", resp.Queue)
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRedriveCmd)
}
