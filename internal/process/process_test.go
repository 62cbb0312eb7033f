package process

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgv(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		launcher config.Launcher
		venv     string
		want     []string
	}{
		{name: "python by suffix", command: "/opt/app/server.py --port 8080", want: []string{"python3", "/opt/app/server.py", "--port", "8080"}},
		{name: "python venv", command: "app.py", venv: "/opt/venv", want: []string{"/opt/venv/bin/python", "app.py"}},
		{name: "bash by suffix", command: "/opt/run.sh start", want: []string{"bash", "/opt/run.sh", "start"}},
		{name: "node by suffix", command: "index.js", want: []string{"node", "index.js"}},
		{name: "fallback shell", command: "/usr/bin/app --x 1 && true", want: []string{"sh", "-c", "/usr/bin/app --x 1 && true"}},
		{name: "explicit exec", command: "/usr/bin/app --x 1", launcher: config.LauncherExec, want: []string{"/usr/bin/app", "--x", "1"}},
		{name: "explicit python overrides suffix", command: "serve", launcher: config.LauncherPython, want: []string{"python3", "serve"}},
		{name: "explicit shell", command: "run.py", launcher: config.LauncherShell, want: []string{"sh", "-c", "run.py"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := config.NewResource("r")
			res.StartCommand = tt.command
			res.Launcher = tt.launcher
			res.Venv = tt.venv

			got, err := Argv(res)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArgv_Empty(t *testing.T) {
	_, err := Argv(config.NewResource("r"))
	assert.ErrorIs(t, err, ErrNoStartCommand)
}

func TestEnviron_Venv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	res := config.NewResource("r")
	res.Venv = "/opt/venv"

	env := Environ(res)
	assert.Contains(t, env, "VIRTUAL_ENV=/opt/venv")
	assert.Contains(t, env, "PATH=/opt/venv/bin:/usr/bin")

	paths := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			paths++
		}
	}
	assert.Equal(t, 1, paths)
}

func TestSpawner_Start(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "started")
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\npwd > \""+marker+"\"\necho launched\n"), 0o755))

	res := config.NewResource("svc")
	res.StartCommand = script
	res.WorkingDir = dir
	res.StartLog = filepath.Join(dir, "logs", "start.log")

	pid, err := NewSpawner(zerolog.Nop()).Start(context.Background(), res)
	require.NoError(t, err)
	assert.Positive(t, pid)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(res.StartLog)
		return err == nil && strings.Contains(string(data), "launched")
	}, 5*time.Second, 20*time.Millisecond)

	wd, err := os.ReadFile(marker)
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, strings.TrimSpace(string(wd)))
}

func TestTable_FindRunningStop(t *testing.T) {
	cmd := exec.Command("sleep", "987")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		cmd.Process.Kill()
		<-done
	})

	table := NewTable(zerolog.Nop())
	ctx := context.Background()

	running, err := table.Running(ctx, `^sleep 987$`)
	require.NoError(t, err)
	assert.True(t, running)

	n, err := table.Stop(ctx, `^sleep 987$`, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process not stopped")
	}

	running, err = table.Running(ctx, `^sleep 987$`)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestTable_ExcludesSelf(t *testing.T) {
	matches, err := NewTable(zerolog.Nop()).Find(context.Background(), ".")
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, int32(os.Getpid()), m.PID)
	}
}

func TestTable_BadPattern(t *testing.T) {
	_, err := NewTable(zerolog.Nop()).Running(context.Background(), "(")
	assert.Error(t, err)
}

func TestPorts_Listening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ports := NewPorts(zerolog.Nop())
	ctx := context.Background()

	listening, err := ports.Listening(ctx, port)
	require.NoError(t, err)
	assert.True(t, listening)

	killed, err := ports.Release(ctx, port)
	require.NoError(t, err)
	assert.Equal(t, 0, killed, "never kills itself")

	require.NoError(t, ln.Close())
	listening, err = ports.Listening(ctx, port)
	require.NoError(t, err)
	assert.False(t, listening)
}
