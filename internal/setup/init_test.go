package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/config"
	"github.com/crewd/crewd/internal/store"
)

func TestRun_CreatesScaffold(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir))

	base := StateDir(dir)
	for _, sub := range []string{"inbox", "locks", "logs", "archive", "quarantine"} {
		info, err := os.Stat(filepath.Join(base, sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir(), sub)
	}
	for _, file := range []string{
		"config.yaml",
		"tasks.yaml",
		"sprints.yaml",
		"backlog.yaml",
		filepath.Join("archive", "tasks.yaml"),
		filepath.Join("locks", "daemon.lock"),
	} {
		_, err := os.Stat(filepath.Join(base, file))
		assert.NoError(t, err, file)
	}
}

func TestRun_RejectsExistingStateDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir))

	err := Run(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRun_SeedsLoadableCollections(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir))

	// The seeded files must open cleanly as an empty store.
	st, err := store.Open(StateDir(dir), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, st.ListTasks(store.Filter{}))
	assert.Empty(t, st.ListSprints())
	assert.Empty(t, st.ListBacklog())
}

func TestRun_ConfigMatchesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir))

	data, err := os.ReadFile(filepath.Join(StateDir(dir), "config.yaml"))
	require.NoError(t, err)

	// Spot-check the generated file against the compiled defaults.
	def := config.Default()
	assert.Contains(t, string(data), "max_slots: 4")
	assert.Contains(t, string(data), "loop_threshold: 3")
	assert.Contains(t, string(data), "level: \"info\"")
	assert.Equal(t, 4, def.Dispatch.MaxSlots)
}
