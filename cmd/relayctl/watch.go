// ABOUTME: "relayctl watch" streams client connect/disconnect events.
// ABOUTME: Prints the current roster first, then follows the event feed.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldhand/relay/internal/client"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream client connect/disconnect events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	ctrl, err := client.Dial(ctx, relayURL(cmd), quietLogger())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	for _, c := range ctrl.Clients() {
		fmt.Printf("%s  %-12s %s\n", time.Now().Format("15:04:05"), "connected", c.ID)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ctrl.Events():
			if !ok {
				return fmt.Errorf("relay connection lost")
			}
			ts := ev.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			fmt.Printf("%s  %-12s %s\n", ts.Local().Format("15:04:05"), ev.Event, ev.ClientID)
		}
	}
}
