// ABOUTME: Simulated automation agent for exercising a relay end to end.
// ABOUTME: Usage: relay-agent [-url ws://localhost:8123/ws] [-id desk-1] [-fail open_menu]

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fieldhand/relay/internal/client"
	"github.com/fieldhand/relay/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8123/ws", "relay websocket URL")
	id := flag.String("id", "", "client id (relay assigns one if empty)")
	actionTime := flag.Duration("action-time", 200*time.Millisecond, "simulated per-action duration")
	failNames := flag.String("fail", "", "comma-separated action names that report errors")
	flag.Parse()

	if err := run(*url, *id, *actionTime, *failNames); err != nil {
		log.Fatal(err)
	}
}

func run(url, id string, actionTime time.Duration, failNames string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	failing := make(map[string]bool)
	for _, name := range strings.Split(failNames, ",") {
		if name = strings.TrimSpace(name); name != "" {
			failing[name] = true
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	agent := &client.Agent{
		ID:     id,
		URL:    url,
		Logger: logger,
		Executor: client.ExecutorFunc(func(ctx context.Context, action protocol.Action) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(actionTime):
			}
			if failing[action.Name] {
				return nil, fmt.Errorf("simulated failure for %s", action.Name)
			}
			if action.Screenshot {
				return fakeScreenshot(action.Name), nil
			}
			return nil, nil
		}),
	}

	err := agent.Run(ctx)
	if ctx.Err() != nil {
		return nil // graceful shutdown
	}
	return err
}

// fakeScreenshot produces a recognizable PNG-prefixed blob so consumers can
// tell screenshots apart without a display server.
func fakeScreenshot(actionName string) []byte {
	header := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return append(header, []byte("fake screenshot after "+actionName)...)
}
