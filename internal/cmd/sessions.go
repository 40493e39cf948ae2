package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var sessionsServer string // server base URL for session commands

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions on a running server",
	Long:  `Commands for listing, inspecting, and terminating sessions on a running Jelmore server.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsTerminateCmd = &cobra.Command{
	Use:   "terminate <session-id>",
	Short: "Terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsTerminate,
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create <query>",
	Short: "Create a session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsCreate,
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&sessionsServer, "server", "http://localhost:8000", "Jelmore server URL")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsTerminateCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func apiGet(path string) (map[string]any, error) {
	resp, err := apiClient().Get(sessionsServer + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %s: %v", resp.Status, body["error"])
	}
	return body, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/sessions")
	if err != nil {
		return err
	}

	sessions, _ := body["sessions"].([]any)
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	for _, raw := range sessions {
		s, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fmt.Printf("%s  %-14s %-12s %s\n", s["id"], s["status"], s["provider_type"], s["query"])
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/sessions/" + args[0])
	if err != nil {
		return err
	}
	return printJSON(body)
}

func runSessionsTerminate(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodDelete, sessionsServer+"/sessions/"+args[0], nil)
	if err != nil {
		return err
	}

	resp, err := apiClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	fmt.Printf("Session %s terminated\n", args[0])
	return nil
}

func runSessionsCreate(cmd *cobra.Command, args []string) error {
	payload, err := json.Marshal(map[string]any{"query": args[0]})
	if err != nil {
		return err
	}

	resp, err := apiClient().Post(sessionsServer+"/sessions", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %v", resp.Status, body["error"])
	}
	return printJSON(body)
}
