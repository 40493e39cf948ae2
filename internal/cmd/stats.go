package cmd

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Long: `Display statistics from a running Jelmore server:
- Live session count and counts by status
- Sessions per provider and provider availability
- WebSocket connection totals`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&sessionsServer, "server", "http://localhost:8000", "Jelmore server URL")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/stats")
	if err != nil {
		return err
	}
	return printJSON(body)
}
