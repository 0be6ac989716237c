package cli

import (
	"github.com/spf13/cobra"
)

var sprintCmd = &cobra.Command{
	Use:   "sprint",
	Short: "Create and manage sprints",
}

var sprintCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new sprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		goal, _ := cmd.Flags().GetString("goal")
		return call("sprint_create", map[string]string{"name": name, "goal": goal})
	},
}

var sprintGetCmd = &cobra.Command{
	Use:   "get <sprint-id>",
	Short: "Show one sprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("sprint_get", map[string]string{"id": args[0]})
	},
}

var sprintListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sprints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("sprint_list", map[string]string{})
	},
}

func sprintTransitionCmd(use, short, to string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <sprint-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call("sprint_transition", map[string]string{"id": args[0], "to": to})
		},
	}
}

func init() {
	sprintCreateCmd.Flags().String("name", "", "sprint name (required)")
	sprintCreateCmd.Flags().String("goal", "", "sprint goal")
	_ = sprintCreateCmd.MarkFlagRequired("name")

	sprintCmd.AddCommand(
		sprintCreateCmd,
		sprintGetCmd,
		sprintListCmd,
		sprintTransitionCmd("pause", "Pause an active sprint", "paused"),
		sprintTransitionCmd("resume", "Resume a paused sprint", "active"),
		sprintTransitionCmd("complete", "Complete a sprint once all member tasks are terminal", "completed"),
		sprintTransitionCmd("cancel", "Cancel a sprint", "cancelled"),
		sprintTransitionCmd("release", "Release a finished sprint and archive its tasks", "released"),
	)
	rootCmd.AddCommand(sprintCmd)
}
