package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/moosgo/moos/pkg/config"
)

var (
	host    string
	port    int
	name    string
	apiAddr string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "moos-cli",
	Short: "Command Line Interface for MOOS communities",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&host, "host", "localhost", "MOOSDB host")
	rootCmd.PersistentFlags().IntVar(&port, "port", config.DefaultPort, "MOOSDB port")
	rootCmd.PersistentFlags().StringVar(&name, "name", "", "client name, defaults to moos-cli-<pid>")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "localhost:9080", "MOOSDB HTTP API address")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "connection timeout")

	rootCmd.AddCommand(
		pokeCmd,
		scopeCmd,
		clientsCmd,
		varsCmd,
		statusCmd,
	)
}

// Execute executes root CLI command.
func Execute() {
	rootCmd.Execute() //nolint:errcheck
}

func clientName() string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("moos-cli-%d", os.Getpid())
}
