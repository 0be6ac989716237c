package cli

import (
	"github.com/spf13/cobra"
)

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Manage backlog items",
}

var backlogAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Add a backlog item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		return call("backlog_add", map[string]any{
			"description": args[0],
			"priority":    priority,
		})
	},
}

var backlogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backlog items by priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("backlog_list", map[string]string{})
	},
}

var backlogPromoteCmd = &cobra.Command{
	Use:   "promote <backlog-id>",
	Short: "Promote a backlog item into a sprint task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		sprint, _ := flags.GetString("sprint")
		author, _ := flags.GetString("author")
		executor, _ := flags.GetString("executor")
		return call("promote", map[string]string{
			"backlog_id":    args[0],
			"sprint_id":     sprint,
			"author_role":   author,
			"executor_role": executor,
		})
	},
}

var backlogDemoteCmd = &cobra.Command{
	Use:   "demote <task-id>",
	Short: "Demote a pending task back to the backlog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("demote", map[string]string{"id": args[0]})
	},
}

func init() {
	backlogAddCmd.Flags().Int("priority", 0, "item priority, higher runs first")

	backlogPromoteCmd.Flags().String("sprint", "", "target sprint ID (required)")
	backlogPromoteCmd.Flags().String("author", "", "author role")
	backlogPromoteCmd.Flags().String("executor", "", "executor role (required)")
	_ = backlogPromoteCmd.MarkFlagRequired("sprint")
	_ = backlogPromoteCmd.MarkFlagRequired("executor")

	backlogCmd.AddCommand(backlogAddCmd, backlogListCmd, backlogPromoteCmd, backlogDemoteCmd)
	rootCmd.AddCommand(backlogCmd)
}
