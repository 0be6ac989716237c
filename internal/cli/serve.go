package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crewd/crewd/internal/config"
	"github.com/crewd/crewd/internal/daemon"
	"github.com/crewd/crewd/internal/setup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the crewd daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := stateDir()
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("state dir %s not found, run: crewd init", dir)
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		d, err := daemon.New(dir, cfg)
		if err != nil {
			return err
		}
		return d.Run()
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the .crewd/ state directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir := viper.GetString("dir")
		if err := setup.Run(projectDir); err != nil {
			return err
		}
		fmt.Printf("initialized %s\n", stateDir())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}
