package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "keyvault",
		Short:        "Provision and inspect PII data encryption keys",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("alt-name", "", "Data key alt name (default: DATA_KEY_ALT_NAME)")

	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(listCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
