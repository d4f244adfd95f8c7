// ABOUTME: "relayctl run" submits a YAML sequence file to a client and streams results.
// ABOUTME: Interrupting the command cancels the in-flight sequence.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldhand/relay/internal/client"
	"github.com/fieldhand/relay/internal/protocol"
)

var runCmd = &cobra.Command{
	Use:   "run <sequence.yaml>",
	Short: "Submit an action sequence and stream its results",
	Long: `Reads an action sequence from a YAML file and executes it on the
given client, printing each result as it arrives. Interrupting the
command cancels the sequence on the relay.

Sequence file format:

  client: desk-1        # optional, overridden by --client
  actions:
    - name: open_menu
      screenshot: true
    - name: click
      params: {element: "Save"}
      delay: 0.5
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd, args[0])
	},
}

func init() {
	runCmd.Flags().String("client", "", "target client id")
	runCmd.Flags().String("request-id", "", "request id (random if empty)")
	runCmd.Flags().String("screenshot-dir", "", "directory to save screenshots into")
	rootCmd.AddCommand(runCmd)
}

// sequenceFile is the on-disk form of a submission.
type sequenceFile struct {
	Client  string            `yaml:"client"`
	Actions []protocol.Action `yaml:"actions"`
}

func runRun(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading sequence file: %w", err)
	}
	var seq sequenceFile
	if err := yaml.Unmarshal(data, &seq); err != nil {
		return fmt.Errorf("parsing sequence file: %w", err)
	}
	if len(seq.Actions) == 0 {
		return fmt.Errorf("sequence file has no actions")
	}

	clientID, _ := cmd.Flags().GetString("client")
	if clientID == "" {
		clientID = seq.Client
	}
	if clientID == "" {
		return fmt.Errorf("no target client: set --client or the file's client field")
	}

	requestID, _ := cmd.Flags().GetString("request-id")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	screenshotDir, _ := cmd.Flags().GetString("screenshot-dir")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	ctrl, err := client.Dial(ctx, relayURL(cmd), quietLogger())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	fmt.Printf("request %s: %d action(s) on %s\n", requestID, len(seq.Actions), clientID)

	results, err := ctrl.Execute(ctx, clientID, requestID, seq.Actions, func(res protocol.ActionResult) {
		printResult(res, seq.Actions)
		if len(res.Screenshot) > 0 && screenshotDir != "" {
			if err := saveScreenshot(screenshotDir, requestID, res); err != nil {
				fmt.Fprintf(os.Stderr, "saving screenshot: %v\n", err)
			}
		}
	})
	if err != nil {
		return err
	}

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	fmt.Printf("done: %d/%d actions succeeded\n", ok, len(results))
	return nil
}

func printResult(res protocol.ActionResult, actions []protocol.Action) {
	name := "?"
	if res.Index < len(actions) {
		name = actions[res.Index].Name
	}
	switch res.Status {
	case protocol.ActionOK:
		fmt.Printf("  [%d] %s ok (%.2fs)\n", res.Index, name, res.Elapsed)
	case protocol.ActionAborted:
		fmt.Printf("  [%d] %s aborted\n", res.Index, name)
	default:
		fmt.Printf("  [%d] %s %s: %s\n", res.Index, name, res.Status, res.Error)
	}
}

func saveScreenshot(dir, requestID string, res protocol.ActionResult) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%03d.png", requestID, res.Index)
	return os.WriteFile(filepath.Join(dir, name), res.Screenshot, 0644)
}
