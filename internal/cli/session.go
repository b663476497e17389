package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/storage"
)

const defaultServerURL = "http://localhost:18990"

// NewSessionCmd creates the session command.
func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect conversation sessions",
		Long:  "List known sessions on a running courier server.",
	}

	cmd.AddCommand(newSessionListCmd())

	return cmd
}

func newSessionListCmd() *cobra.Command {
	var (
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionList(serverURL, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL, "courier server URL")

	return cmd
}

func runSessionList(serverURL string, jsonOutput bool) error {
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(serverURL + "/api/v1/sessions")
	if err != nil {
		return fmt.Errorf("request sessions: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	if jsonOutput {
		fmt.Println(string(body))
		return nil
	}

	var payload struct {
		Sessions []*storage.Session `json:"sessions"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if len(payload.Sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCHANNEL\tACTIVE\tMESSAGES\tLAST MESSAGE")
	for _, s := range payload.Sessions {
		last := "-"
		if s.LastMessageAt != nil {
			last = s.LastMessageAt.Local().Format("2006-01-02 15:04")
		}
		active := ""
		if s.ActiveRun {
			active = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.SessionKey, s.Channel, active, s.MessageCount, last)
	}
	return w.Flush()
}
