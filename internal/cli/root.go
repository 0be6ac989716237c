// Package cli implements the crewd command line interface. Every command
// except serve and init talks to a running daemon over its Unix socket.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crewd/crewd/internal/config"
	"github.com/crewd/crewd/internal/setup"
	"github.com/crewd/crewd/internal/uds"
)

var rootCmd = &cobra.Command{
	Use:   "crewd",
	Short: "Dependency-aware multi-agent task orchestrator",
	Long: `Crewd coordinates a crew of worker agents over a shared task board:
tasks with dependencies are grouped into sprints, dispatched onto a bounded
slot pool, retried with backoff, and every transition is audit-logged.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("dir", "d", ".", "project directory containing .crewd/")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is <dir>/.crewd/config.yaml)")
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(stateDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CREWD")
	// CREWD_DISPATCH_MAX_SLOTS overrides dispatch.max_slots, etc.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

func stateDir() string {
	return setup.StateDir(viper.GetString("dir"))
}

func newClient() *uds.Client {
	return uds.NewClient(filepath.Join(stateDir(), uds.DefaultSocketName))
}

// call sends one UDS command and prints the response data as indented JSON.
func call(command string, params any) error {
	resp, err := newClient().SendCommand(command, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return printData(resp.Data)
}

func printData(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
