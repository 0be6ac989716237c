package events

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog_AppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := OpenAuditLog(path, 100)
	require.NoError(t, err)
	defer l.Close()

	e1, err := l.Append("planner", "task_created", map[string]any{"task_id": "T0001"})
	require.NoError(t, err)
	e2, err := l.Append("system", "task_triggered", map[string]any{"task_id": "T0001"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)

	all := l.Tail(0, 10)
	require.Len(t, all, 2)
	assert.Equal(t, "task_created", all[0].Action)

	after := l.Tail(1, 10)
	require.Len(t, after, 1)
	assert.Equal(t, uint64(2), after[0].Seq)

	limited := l.Tail(0, 1)
	assert.Len(t, limited, 1)
}

func TestAuditLog_SeqSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l1, err := OpenAuditLog(path, 100)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l1.Append("system", "tick", nil)
		require.NoError(t, err)
	}
	require.NoError(t, l1.Close())

	l2, err := OpenAuditLog(path, 100)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, 3, l2.Len())
	e, err := l2.Append("system", "tick", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Seq, "sequence must continue after restart")
}

func TestAuditLog_WindowEviction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := OpenAuditLog(path, 5)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		_, err := l.Append("system", "tick", nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 5, l.Len())
	window := l.Tail(0, 0)
	require.Len(t, window, 5)
	assert.Equal(t, uint64(6), window[0].Seq, "oldest entries evicted first")

	// The file keeps the full history even though the window is capped.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 10, lines)
}

func TestAuditLog_SkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := OpenAuditLog(path, 100)
	require.NoError(t, err)
	_, err = l.Append("system", "tick", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulate a torn final write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"action":"tru`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := OpenAuditLog(path, 100)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, 1, l2.Len())

	e, err := l2.Append("system", "tick", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Seq)
}
