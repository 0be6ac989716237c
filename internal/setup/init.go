// Package setup handles crewd project initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/crewd/crewd/internal/yamlfile"
)

const stateDirName = ".crewd"

const defaultConfigYAML = `# crewd configuration
daemon:
  shutdown_timeout_sec: 30
  scan_interval_sec: 5

dispatch:
  max_slots: 4
  queue_wait_sec: 10
  invoke_timeout_sec: 1800
  auto_dispatch: false

retry:
  max_attempts: 3
  base_delay_sec: 1
  max_delay_sec: 300

guard:
  loop_threshold: 3

audit:
  max_entries: 10000

worker:
  # The executable invoked for each task execution. It receives the
  # executor role and task ID as arguments and a JSON invocation on stdin,
  # and must print a JSON outcome on stdout.
  command: ""
  args: []

http:
  enabled: false
  addr: "127.0.0.1:7077"

logging:
  level: "info"
`

// Run initializes the .crewd/ directory structure in the given project
// directory.
func Run(projectDir string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, stateDirName)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"inbox",
		"locks",
		"logs",
		"archive",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := yamlfile.WriteRaw(filepath.Join(base, "config.yaml"), []byte(defaultConfigYAML)); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Seed empty collections so the first daemon start finds well-formed files.
	if err := writeCollectionFile(filepath.Join(base, "tasks.yaml"), "tasks", "tasks"); err != nil {
		return err
	}
	if err := writeCollectionFile(filepath.Join(base, "sprints.yaml"), "sprints", "sprints"); err != nil {
		return err
	}
	if err := writeCollectionFile(filepath.Join(base, "backlog.yaml"), "backlog", "items"); err != nil {
		return err
	}
	if err := writeCollectionFile(filepath.Join(base, "archive", "tasks.yaml"), "archive_tasks", "tasks"); err != nil {
		return err
	}

	// Create daemon.lock (empty)
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

// StateDir returns the state directory path under projectDir.
func StateDir(projectDir string) string {
	return filepath.Join(projectDir, stateDirName)
}

func writeCollectionFile(path, fileType, listField string) error {
	content := fmt.Sprintf("schema_version: 1\nfile_type: %q\nnext_seq: 1\n%s: []\n", fileType, listField)
	if err := yamlfile.WriteRaw(path, []byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
