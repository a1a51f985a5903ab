package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pos-sync-engine/internal/config"
)

const (
	serviceName = "possync"
	version     = "1.0.0"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "Offline-first sync engine for a point-of-sale till",
	Long: `possync queues sales, customers, expenses and other business records on the
till while it is offline and reconciles them with the central store once the
connection comes back.

Configuration is read from the environment and an optional .env file in the
working directory. See "possync serve --help" for the local control API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.LoadConfig()
	},
}

func main() {
	err := rootCmd.Execute()
	if cfg != nil {
		cfg.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printJSON writes v to stdout as indented JSON
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
