package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsStopCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions on a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		resp, err := http.Get(daemonURL(cfg.HTTP.Listen) + "/api/sessions")
		if err != nil {
			return fmt.Errorf("contact daemon: %w", err)
		}
		defer resp.Body.Close()

		var sessions []struct {
			SessionKey  string    `json:"session_key"`
			RunState    string    `json:"run_state"`
			IsStreaming bool      `json:"is_streaming"`
			Messages    int       `json:"messages"`
			Files       int       `json:"files"`
			UpdatedAt   time.Time `json:"updated_at"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSTATE\tSTREAMING\tMESSAGES\tFILES\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\t%s\n",
				s.SessionKey,
				s.RunState,
				s.IsStreaming,
				s.Messages,
				s.Files,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop <key>",
	Short: "Stop the active run for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		resp, err := http.Post(daemonURL(cfg.HTTP.Listen)+"/api/sessions/"+args[0]+"/stop", "application/json", nil)
		if err != nil {
			return fmt.Errorf("contact daemon: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("session not found: %s", args[0])
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned status %d", resp.StatusCode)
		}
		fmt.Fprintf(os.Stdout, "Stopped run for %s.\n", args[0])
		return nil
	},
}

func daemonURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}
