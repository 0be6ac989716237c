package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("status", map[string]string{})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether the daemon is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("ping", map[string]string{})
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Gracefully stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("shutdown", map[string]string{})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a due-retry scan immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("scan", map[string]string{})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Tail the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		afterSeq, _ := cmd.Flags().GetUint64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		return call("audit_tail", map[string]any{
			"after_seq": afterSeq,
			"limit":     limit,
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the crewd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crewd %s\n", version)
	},
}

func init() {
	auditCmd.Flags().Uint64("after", 0, "only entries after this sequence number")
	auditCmd.Flags().Int("limit", 50, "maximum entries to return")

	rootCmd.AddCommand(statusCmd, pingCmd, shutdownCmd, scanCmd, auditCmd, versionCmd)
}
