package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runctl",
	Short: "Runctl is a command line tool for interacting with the runplane platform",
	Long: `runctl is the command-line interface for the runplane task execution platform.

Runplane runs background tasks for your applications: tasks are
registered by workers, triggered over the API, queued fairly across
environments, and executed by a worker fleet with retries, waitpoints,
and full run state tracking.

Common workflows:

  Bootstrap an organization (returns the environment API keys):
    runctl orgs create --name "acme"

  Trigger a task run:
    runctl trigger send-email --payload '{"to":"user@example.com"}'

  Check run status:
    runctl status run_01jx...

  Stream run logs:
    runctl logs run_01jx... --follow

  Inspect a queue:
    runctl queue stats --queue task/send-email

  Manage dead-lettered runs:
    runctl dlq list
    runctl dlq redrive run_01jx...

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    RUNPLANE_URL      API endpoint (default: http://localhost:6161)
    RUNPLANE_TOKEN    Environment API key for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".runctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".runctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "RUNPLANE_VARNAME"
	viper.SetEnvPrefix("RUNPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "Runplane Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Environment API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
