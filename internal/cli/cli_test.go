package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jensholdgaard/eventrecorder/internal/recorder"
)

// writeConfig points the recorder at a fresh sqlite file.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("recorder:\n  driver: sqlite\n  sqlite:\n    path: %s\n", filepath.Join(dir, "events.db"))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand("test")
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSetupAndAppend(t *testing.T) {
	cfg := writeConfig(t)
	id := uuid.New().String()

	out, err := execute(t, "--config", cfg, "setup")
	require.NoError(t, err)
	assert.Contains(t, out, "tables ready")

	_, err = execute(t, "--config", cfg, "append", id, "--version", "0", "--topic", "order.placed", "--state", `{"total":12}`)
	require.NoError(t, err)
	_, err = execute(t, "--config", cfg, "append", id, "--version", "1", "--topic", "order.paid")
	require.NoError(t, err)

	_, err = execute(t, "--config", cfg, "append", id, "--version", "1", "--topic", "order.paid")
	require.Error(t, err)
	assert.True(t, recorder.IsConflict(err))
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = execute(t, "--config", cfg, "--format", "json", "events", id, "--gt", "0")
	require.NoError(t, err)
	var events []recorder.StoredEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "order.paid", events[0].Topic)

	out, err = execute(t, "--config", cfg, "events", id, "--desc", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "order.paid")
	assert.NotContains(t, out, "order.placed")
}

func TestNotificationsAndMaxID(t *testing.T) {
	cfg := writeConfig(t)
	for i, topic := range []string{"a", "b", "a"} {
		_, err := execute(t, "--config", cfg, "append", uuid.New().String(), "--version", "0", "--topic", topic,
			"--state", fmt.Sprint(i))
		require.NoError(t, err)
	}

	out, err := execute(t, "--config", cfg, "--format", "json", "notifications", "--start", "2", "--topic", "a")
	require.NoError(t, err)
	var ns []recorder.Notification
	require.NoError(t, json.Unmarshal([]byte(out), &ns))
	require.Len(t, ns, 1)
	assert.Equal(t, int64(3), ns[0].ID)

	out, err = execute(t, "--config", cfg, "max-id", "--topic", "b")
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(out))

	out, err = execute(t, "--config", cfg, "tracking", "orders")
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(out))
}

func TestCommandErrors(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad format", []string{"--format", "xml", "max-id"}, "invalid format"},
		{"bad originator", []string{"--config", cfg, "events", "not-a-uuid"}, "parsing originator id"},
		{"missing topic", []string{"--config", cfg, "append", uuid.New().String()}, "required flag"},
		{"missing config", []string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "max-id"}, "loading config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "bad flag"))))
}

func TestDisplayState(t *testing.T) {
	assert.Equal(t, `{"a":1}`, displayState([]byte(`{"a":1}`)))
	assert.Equal(t, "base64:/w==", displayState([]byte{0xff}))
}
