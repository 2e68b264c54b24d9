package cmd

import (
	"runplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [task_identifier]",
	Short: "Trigger a task run",
	Long: `Trigger a new run of a registered task in the environment your token
belongs to. The run is enqueued and picked up by the next available worker.

Example:
  runctl trigger send-email --payload '{"to":"ada@example.com"}'
  runctl trigger resize-image --queue images --priority 50 --machine large-1x
  runctl trigger send-email --test`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		identifier := args[0]

		flags := cmd.Flags()
		payload, _ := flags.GetString("payload")
		queue, _ := flags.GetString("queue")
		concurrencyKey, _ := flags.GetString("concurrency-key")
		priority, _ := flags.GetInt("priority")
		machine, _ := flags.GetString("machine")
		isTest, _ := flags.GetBool("test")
		tags, _ := flags.GetStringSlice("tag")

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the RUNPLANE_TOKEN environment variable")
			return
		}

		req := api.TriggerTaskRequest{
			Queue:          queue,
			ConcurrencyKey: concurrencyKey,
			Priority:       priority,
			Machine:        machine,
			IsTest:         isTest,
			Tags:           tags,
		}
		if payload != "" {
			req.Payload = []byte(payload)
			req.PayloadType = "application/json"
		}

		client := NewClient(url, token)
		result, err := client.TriggerTask(identifier, req)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		cmd.Printf("🚀 Run triggered!\nRun: %s\nID: %s\nStatus: %s\n", result.FriendlyID, result.RunID, result.Status)
	},
}

func init() {
	flags := triggerCmd.Flags()
	flags.StringP("payload", "p", "", "JSON payload passed to the task")
	flags.StringP("queue", "q", "", "Queue to enqueue the run on (defaults to the task's queue)")
	flags.String("concurrency-key", "", "Per-tenant concurrency key")
	flags.Int("priority", 0, "Priority from 0 to 100, higher dequeues first")
	flags.StringP("machine", "m", "", "Machine preset for the run (e.g. small-1x, large-1x)")
	flags.Bool("test", false, "Mark the run as a test run")
	flags.StringSlice("tag", nil, "Tag to attach to the run (repeatable)")

	rootCmd.AddCommand(triggerCmd)
}
