package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sandbooks/runbox/internal/config"
	"github.com/sandbooks/runbox/internal/db"
	"github.com/sandbooks/runbox/internal/services/apikey"
)

func keyService() *apikey.APIKeyService {
	conf := config.ReadConfig()
	if !conf.DatabaseConfigured() {
		fmt.Println("API key management requires DB_HOST and DB_NAME to be set")
		os.Exit(1)
	}

	return apikey.NewAPIKeyService(apikey.NewAPIKeyRepo(db.NewConn(conf)))
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(cmd.Help())
	},
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	Run: func(cmd *cobra.Command, args []string) {
		name, err := cmd.Flags().GetString("name")
		if err != nil {
			fmt.Println("Unable to read flag `name`", err)
			os.Exit(1)
		}

		created, err := keyService().Create(cmd.Context(), &apikey.CreateAPIKeyRequest{Name: name})
		if err != nil {
			fmt.Println("Unable to create api key", err)
			os.Exit(1)
		}

		fmt.Printf("Created key %q (%s)\n", created.Name, created.ID)
		fmt.Println("This is the only time the key is shown. Store it now:")
		fmt.Println()
		fmt.Printf("  %s\n", created.PlaintextKey)
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	Run: func(cmd *cobra.Command, args []string) {
		keys, err := keyService().List(cmd.Context())
		if err != nil {
			fmt.Println("Unable to list api keys", err)
			os.Exit(1)
		}

		for _, k := range keys {
			state := "enabled"
			if k.Disabled {
				state = "disabled"
			}
			lastUsed := "never"
			if k.LastUsedAt != nil {
				lastUsed = k.LastUsedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  %s  %-8s  last used: %s  %s\n", k.ID, k.KeyID, state, lastUsed, k.Name)
		}
	},
}

var keysDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable an API key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setKeyDisabled(cmd, args[0], true)
	},
}

var keysEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Re-enable a disabled API key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setKeyDisabled(cmd, args[0], false)
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an API key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := uuid.Parse(args[0])
		if err != nil {
			fmt.Println("Invalid key id", err)
			os.Exit(1)
		}

		if err := keyService().Delete(cmd.Context(), id); err != nil {
			fmt.Println("Unable to delete api key", err)
			os.Exit(1)
		}

		fmt.Println("Key deleted")
	},
}

func setKeyDisabled(cmd *cobra.Command, rawID string, disabled bool) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		fmt.Println("Invalid key id", err)
		os.Exit(1)
	}

	if err := keyService().SetDisabled(cmd.Context(), id, disabled); err != nil {
		fmt.Println("Unable to update api key", err)
		os.Exit(1)
	}

	if disabled {
		fmt.Println("Key disabled")
	} else {
		fmt.Println("Key enabled")
	}
}

// Register the "keys" command
func init() {
	keysCreateCmd.Flags().StringP("name", "n", "", "Name for the key")
	_ = keysCreateCmd.MarkFlagRequired("name")

	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysDisableCmd)
	keysCmd.AddCommand(keysEnableCmd)
	keysCmd.AddCommand(keysDeleteCmd)

	rootCmd.AddCommand(keysCmd)
}
