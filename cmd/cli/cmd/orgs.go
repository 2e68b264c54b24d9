package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var orgsCmd = &cobra.Command{
	Use:   "orgs",
	Short: "Manage organizations",
}

var orgsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new organization",
	Long: `Create a new organization with its development and production environments.

The environment API keys are printed once, at creation time. Store them
somewhere safe; they cannot be retrieved again.

Example:
  runctl orgs create --name "acme"`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")

		url := viper.GetString("url")
		token := viper.GetString("token")

		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}

		client := NewClient(url, token)
		result, err := client.CreateOrg(name)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Organization created!\nID: %s\nName: %s\n", result.OrgID, result.Name)
		for _, key := range result.EnvKeys {
			cmd.Printf("\n%s environment:\n  Env ID:  %s\n  API Key: %s\n", key.Type, key.EnvID, key.APIKey)
		}
	},
}

func init() {
	orgsCreateCmd.Flags().StringP("name", "n", "", "Name of the organization (required)")

	rootCmd.AddCommand(orgsCmd)
	orgsCmd.AddCommand(orgsCreateCmd)
}
