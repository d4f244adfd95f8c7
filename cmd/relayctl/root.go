// ABOUTME: Root cobra command for relayctl with the shared --url flag.
// ABOUTME: Subcommands register themselves via init().

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "relayctl drives automation clients through a relay server",
	Long: `relayctl is the controller-side command line for a relay server.
It lists connected clients, submits action sequences, and watches
client lifecycle events.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("url", "ws://localhost:8123/ws", "relay websocket URL")
}

func relayURL(cmd *cobra.Command) string {
	url, _ := cmd.Flags().GetString("url")
	return url
}
