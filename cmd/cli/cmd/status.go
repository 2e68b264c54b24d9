package cmd

import (
	"fmt"
	"time"

	"runplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long:  `Retrieve detailed status information for a task run, including its current state, attempt number, structured error, and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the RUNPLANE_TOKEN environment variable")
			return
		}

		client := NewClient(url, token)
		run, err := client.GetRun(runID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		printStatus(cmd, run)
	},
}

func printStatus(cmd *cobra.Command, run *api.RunResponse) {
	// Header with status icon
	icon := statusIcon(run.Status)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sRun:%s         %s\n", colorDim, colorReset, run.FriendlyID)
	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, run.ID)
	cmd.Printf("%sTask:%s        %s\n", colorDim, colorReset, run.TaskIdentifier)
	cmd.Printf("%sQueue:%s       %s\n", colorDim, colorReset, run.Queue)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(run.Status))
	cmd.Printf("%sAttempt:%s     %d\n", colorDim, colorReset, run.Attempt)

	if run.IsTest {
		cmd.Printf("%sTest:%s        %syes%s\n", colorDim, colorReset, colorYellow, colorReset)
	}

	if len(run.Tags) > 0 {
		cmd.Printf("%sTags:%s        ", colorDim, colorReset)
		for i, tag := range run.Tags {
			if i > 0 {
				cmd.Print(", ")
			}
			cmd.Print(tag)
		}
		cmd.Println()
	}

	if run.Error != nil {
		cmd.Printf("%sError:%s       %s%s: %s%s\n", colorDim, colorReset, colorRed, run.Error.Code, run.Error.Message, colorReset)
	}

	if len(run.Output) > 0 {
		cmd.Printf("%sOutput:%s      %s\n", colorDim, colorReset, string(run.Output))
	}

	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&run.CreatedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))

	// Duration if both times available
	if run.StartedAt != nil && run.CompletedAt != nil {
		duration := run.CompletedAt.Sub(*run.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(run.CompletedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "COMPLETED_SUCCESSFULLY":
		return colorGreen + "✓" + colorReset
	case "COMPLETED_WITH_ERRORS", "CRASHED", "SYSTEM_FAILURE", "TIMED_OUT", "EXPIRED":
		return colorRed + "✗" + colorReset
	case "EXECUTING", "RETRYING_AFTER_FAILURE":
		return colorYellow + "⏳" + colorReset
	case "PENDING", "DELAYED", "WAITING_FOR_DEPLOY":
		return colorCyan + "◯" + colorReset
	case "WAITING_TO_RESUME", "PAUSED":
		return colorCyan + "⏸" + colorReset
	case "CANCELED", "INTERRUPTED":
		return colorDim + "⊘" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "COMPLETED_SUCCESSFULLY":
		return icon + " " + colorGreen + status + colorReset
	case "COMPLETED_WITH_ERRORS", "CRASHED", "SYSTEM_FAILURE", "TIMED_OUT", "EXPIRED":
		return icon + " " + colorRed + status + colorReset
	case "EXECUTING", "RETRYING_AFTER_FAILURE":
		return icon + " " + colorYellow + status + colorReset
	case "PENDING", "DELAYED", "WAITING_FOR_DEPLOY", "WAITING_TO_RESUME", "PAUSED":
		return icon + " " + colorCyan + status + colorReset
	case "CANCELED", "INTERRUPTED":
		return icon + " " + colorDim + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
