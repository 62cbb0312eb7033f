package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dir    string
	config string
	live   string
}

func newTestEnv(t *testing.T, journal bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	live := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(live, []byte(`{"model":"gpt-4"}`), 0o644))

	journalLine := ""
	if journal {
		journalLine = "journalFile = " + filepath.Join(dir, "journal.db")
	}

	body := fmt.Sprintf(`
[global]
backupDir = %s
stateDir = %s
logFile = %s
integrityCheck = false
%s

[settings]
kind = file-integrity
protectedFiles = %s
requiredJSONKeys = model
skipImmutable = true
`, filepath.Join(dir, "backups"), filepath.Join(dir, "state"), filepath.Join(dir, "guardian.log"), journalLine, live)

	path := filepath.Join(dir, "guardian.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return &testEnv{dir: dir, config: path, live: live}
}

func (e *testEnv) run(args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	return cmd.Execute()
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"run", "check", "status", "snapshot", "restore", "history", "version"} {
		assert.Contains(t, names, want)
	}
	assert.True(t, cmd.SilenceUsage)
}

func TestMissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.conf"), "check"})
	assert.Error(t, cmd.Execute())
}

func TestCheck(t *testing.T) {
	env := newTestEnv(t, false)
	assert.NoError(t, env.run("check"))

	require.NoError(t, os.WriteFile(env.live, []byte(`{"other":1}`), 0o644))
	assert.Error(t, env.run("check"))

	assert.Error(t, env.run("check", "nope"), "unknown resource")
}

func TestSnapshotAndRestore(t *testing.T) {
	env := newTestEnv(t, false)
	original, err := os.ReadFile(env.live)
	require.NoError(t, err)

	assert.Error(t, env.run("restore", "settings"), "nothing stored yet")

	require.NoError(t, env.run("snapshot"))
	require.NoError(t, os.WriteFile(env.live, []byte("garbage"), 0o644))

	require.NoError(t, env.run("restore", "settings"))
	got, err := os.ReadFile(env.live)
	require.NoError(t, err)
	assert.Equal(t, original, got)

	count, err := os.ReadFile(filepath.Join(env.dir, "state", "settings.failures"))
	require.NoError(t, err)
	assert.Equal(t, "0\n", string(count))

	assert.NoError(t, env.run("status"))
}

func TestHistory(t *testing.T) {
	assert.Error(t, newTestEnv(t, false).run("history"), "journal disabled")
	assert.NoError(t, newTestEnv(t, true).run("history", "--since", "24h"))
}

func TestSelectResources(t *testing.T) {
	env := newTestEnv(t, false)
	cfg, err := loadConfig(env.config)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.Path))

	all, err := selectResources(cfg, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "settings", all[0].Name)

	_, err = selectResources(cfg, []string{"missing"})
	assert.Error(t, err)
}
