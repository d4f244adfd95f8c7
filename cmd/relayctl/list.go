// ABOUTME: "relayctl list" prints the connected clients and their status.
// ABOUTME: Dials the relay as a controller and requests one roster snapshot.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldhand/relay/internal/client"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected clients and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	ctrl, err := client.Dial(ctx, relayURL(cmd), quietLogger())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	clients, err := ctrl.ListClients(ctx)
	if err != nil {
		return err
	}

	if len(clients) == 0 {
		fmt.Println("no clients connected")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tSTATUS")
	for _, c := range clients {
		fmt.Fprintf(w, "%s\t%s\n", c.ID, c.Status)
	}
	return w.Flush()
}

// quietLogger keeps client internals out of command output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
