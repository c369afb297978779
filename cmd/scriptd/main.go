package main

import (
	"fmt"
	"os"

	"github.com/fentz26/scriptd/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scriptd",
	Short: "scriptd - supervised script execution",
	Long: `scriptd runs registered scripts as supervised child processes. Callers submit
a script with JSON parameters, get a handle back at once and poll for the result.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the scriptd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the daemon config file (default ~/.scriptd/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(interpretersCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
