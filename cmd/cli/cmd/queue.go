package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect queues",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show length and concurrency for a queue",
	Long: `Show the queue's current length, its running concurrency against its
limit, and the environment-wide concurrency numbers.

Example:
  runctl queue stats --queue task/send-email
  runctl queue stats --queue images --concurrency-key tenant_123`,
	Run: func(cmd *cobra.Command, args []string) {
		queue, _ := cmd.Flags().GetString("queue")
		concurrencyKey, _ := cmd.Flags().GetString("concurrency-key")

		if queue == "" {
			cmd.Println("Error: --queue is required")
			return
		}

		client := NewClient(viper.GetString("url"), viper.GetString("token"))
		stats, err := client.QueueStats(queue, concurrencyKey)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		cmd.Printf("%sQueue:%s            %s\n", colorDim, colorReset, stats.Queue)
		cmd.Printf("%sLength:%s           %d\n", colorDim, colorReset, stats.Length)
		cmd.Printf("%sConcurrency:%s      %d / %d\n", colorDim, colorReset, stats.CurrentConcurrency, stats.ConcurrencyLimit)
		cmd.Printf("%sEnv concurrency:%s  %d / %d\n", colorDim, colorReset, stats.EnvConcurrency, stats.EnvConcurrencyLimit)
	},
}

func init() {
	queueStatsCmd.Flags().StringP("queue", "q", "", "Queue name (required)")
	queueStatsCmd.Flags().String("concurrency-key", "", "Per-tenant concurrency key")

	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
}
