package cli

import (
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, inspect, and manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new task",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		title, _ := flags.GetString("title")
		description, _ := flags.GetString("description")
		author, _ := flags.GetString("author")
		executor, _ := flags.GetString("executor")
		sprint, _ := flags.GetString("sprint")
		dependsOn, _ := flags.GetStringSlice("depends-on")
		autoClose, _ := flags.GetBool("auto-close")

		params := map[string]any{
			"title":         title,
			"description":   description,
			"author_role":   author,
			"executor_role": executor,
			"depends_on":    dependsOn,
			"auto_close":    autoClose,
		}
		if sprint != "" {
			params["sprint_id"] = sprint
		}
		return call("task_create", params)
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("task_get", map[string]string{"id": args[0]})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		status, _ := flags.GetString("status")
		sprint, _ := flags.GetString("sprint")
		executor, _ := flags.GetString("executor")
		archived, _ := flags.GetBool("archived")
		return call("task_list", map[string]any{
			"status":           status,
			"sprint_id":        sprint,
			"executor_role":    executor,
			"include_archived": archived,
		})
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task or its running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requeue, _ := cmd.Flags().GetBool("requeue")
		return call("task_cancel", map[string]any{"id": args[0], "requeue": requeue})
	},
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock <task-id>",
	Short: "Return a blocked task to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("task_unblock", map[string]string{"id": args[0]})
	},
}

var taskDependCmd = &cobra.Command{
	Use:   "depend <task-id> <depends-on-id>",
	Short: "Add a dependency edge between two tasks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("add_dependency", map[string]string{
			"task_id":    args[0],
			"depends_on": args[1],
		})
	},
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve a task in review, marking it done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("task_transition", map[string]string{
			"id":   args[0],
			"from": "in_review",
			"to":   "done",
		})
	},
}

var taskReopenCmd = &cobra.Command{
	Use:   "reopen <task-id>",
	Short: "Send a task in review back to in_progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("task_transition", map[string]string{
			"id":   args[0],
			"from": "in_review",
			"to":   "in_progress",
		})
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <task-id>",
	Short: "Dispatch a pending task to a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("trigger", map[string]string{"id": args[0]})
	},
}

func init() {
	taskCreateCmd.Flags().String("title", "", "task title (required)")
	taskCreateCmd.Flags().String("description", "", "task description")
	taskCreateCmd.Flags().String("author", "", "author role")
	taskCreateCmd.Flags().String("executor", "", "executor role (required)")
	taskCreateCmd.Flags().String("sprint", "", "sprint ID to attach the task to")
	taskCreateCmd.Flags().StringSlice("depends-on", nil, "task IDs this task depends on")
	taskCreateCmd.Flags().Bool("auto-close", false, "skip review and close directly on success")
	_ = taskCreateCmd.MarkFlagRequired("title")
	_ = taskCreateCmd.MarkFlagRequired("executor")

	taskListCmd.Flags().String("status", "", "filter by status")
	taskListCmd.Flags().String("sprint", "", "filter by sprint ID")
	taskListCmd.Flags().String("executor", "", "filter by executor role")
	taskListCmd.Flags().Bool("archived", false, "include archived tasks")

	taskCancelCmd.Flags().Bool("requeue", false, "re-queue a running task instead of blocking it")

	taskCmd.AddCommand(taskCreateCmd, taskGetCmd, taskListCmd, taskCancelCmd,
		taskUnblockCmd, taskDependCmd, taskApproveCmd, taskReopenCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(triggerCmd)
}
