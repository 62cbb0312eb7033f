package health

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMatcher struct {
	running bool
	err     error
	pattern string
}

func (f *fakeMatcher) Running(_ context.Context, pattern string) (bool, error) {
	f.pattern = pattern
	return f.running, f.err
}

type fakePorts map[int]bool

func (f fakePorts) Listening(_ context.Context, port int) (bool, error) {
	return f[port], nil
}

type fakeServices struct{ active bool }

func (f fakeServices) IsActive(context.Context, string, string) (bool, error) {
	return f.active, nil
}

type fakeContainers struct {
	running bool
	healthy bool
	err     error
}

func (f fakeContainers) IsRunning(context.Context, string) (bool, error) {
	return f.running, f.err
}

func (f fakeContainers) IsHealthy(context.Context, string) (bool, error) {
	return f.healthy, f.err
}

type fakeCommands struct {
	output []byte
	err    error
	ran    []string
}

func (f *fakeCommands) Run(_ context.Context, command string) ([]byte, error) {
	f.ran = append(f.ran, command)
	return f.output, f.err
}

func newChecker(probes map[config.Kind]LivenessProbe, ports PortProber, cmds CommandRunner) *Checker {
	return NewChecker(Options{Probes: probes, Ports: ports, Commands: cmds}, zerolog.Nop())
}

func TestCheck_ProcessProbe(t *testing.T) {
	matcher := &fakeMatcher{running: true}
	c := newChecker(map[config.Kind]LivenessProbe{config.KindProcess: ProcessProbe{Matcher: matcher}}, nil, nil)

	res := config.NewResource("api")
	res.Kind = config.KindProcess
	res.ProcessMatch = "uvicorn api:app"

	v := c.Check(context.Background(), res)
	assert.True(t, v.Healthy)
	assert.Empty(t, v.Reason)
	assert.Equal(t, "uvicorn api:app", matcher.pattern)

	matcher.running = false
	v = c.Check(context.Background(), res)
	assert.False(t, v.Healthy)
	assert.Contains(t, v.Reason, "no process matching")

	matcher.err = errors.New("proc unreadable")
	v = c.Check(context.Background(), res)
	assert.False(t, v.Healthy)
	assert.Contains(t, v.Reason, "proc unreadable")
}

func TestCheck_ProcessProbeFallsBackToStartCommand(t *testing.T) {
	matcher := &fakeMatcher{running: true}
	res := config.NewResource("api")
	res.StartCommand = "/opt/app/run.py"

	v := ProcessProbe{Matcher: matcher}.Probe(context.Background(), res)
	assert.True(t, v.Healthy)
	assert.Equal(t, `/opt/app/run\.py`, matcher.pattern)
}

func TestCheck_KindProbes(t *testing.T) {
	tests := []struct {
		name    string
		kind    config.Kind
		probes  map[config.Kind]LivenessProbe
		healthy bool
		reason  string
	}{
		{
			name:    "systemd active",
			kind:    config.KindSystemdUser,
			probes:  map[config.Kind]LivenessProbe{config.KindSystemdUser: SystemdProbe{Services: fakeServices{active: true}}},
			healthy: true,
		},
		{
			name:   "systemd inactive",
			kind:   config.KindSystemdUser,
			probes: map[config.Kind]LivenessProbe{config.KindSystemdUser: SystemdProbe{Services: fakeServices{}}},
			reason: "unit app.service is not active",
		},
		{
			name:    "docker running",
			kind:    config.KindDocker,
			probes:  map[config.Kind]LivenessProbe{config.KindDocker: DockerProbe{Containers: fakeContainers{running: true}}},
			healthy: true,
		},
		{
			name:    "docker running with failing healthcheck ignored by default",
			kind:    config.KindDocker,
			probes:  map[config.Kind]LivenessProbe{config.KindDocker: DockerProbe{Containers: fakeContainers{running: true}}},
			healthy: true,
		},
		{
			name:   "docker stopped",
			kind:   config.KindDocker,
			probes: map[config.Kind]LivenessProbe{config.KindDocker: DockerProbe{Containers: fakeContainers{}}},
			reason: "container web is not running",
		},
		{
			name:   "docker inspect error",
			kind:   config.KindDocker,
			probes: map[config.Kind]LivenessProbe{config.KindDocker: DockerProbe{Containers: fakeContainers{err: errors.New("no such object")}}},
			reason: "docker check failed: no such object",
		},
		{
			name:    "unknown kind is healthy",
			kind:    config.Kind("lambda"),
			probes:  map[config.Kind]LivenessProbe{},
			healthy: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := config.NewResource("r")
			res.Kind = tt.kind
			res.Service = "app.service"
			res.Container = "web"

			v := newChecker(tt.probes, nil, nil).Check(context.Background(), res)
			assert.Equal(t, tt.healthy, v.Healthy)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestCheck_DockerHealth(t *testing.T) {
	tests := []struct {
		name       string
		containers fakeContainers
		healthy    bool
		reason     string
	}{
		{name: "running and healthy", containers: fakeContainers{running: true, healthy: true}, healthy: true},
		{name: "running but unhealthy", containers: fakeContainers{running: true}, reason: "container web is failing its healthcheck"},
		{name: "stopped", containers: fakeContainers{healthy: true}, reason: "container web is not running"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := config.NewResource("r")
			res.Kind = config.KindDocker
			res.Container = "web"
			res.DockerHealth = true

			probes := map[config.Kind]LivenessProbe{config.KindDocker: DockerProbe{Containers: tt.containers}}
			v := newChecker(probes, nil, nil).Check(context.Background(), res)
			assert.Equal(t, tt.healthy, v.Healthy)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestCheck_UnknownKindWarns(t *testing.T) {
	var buf bytes.Buffer
	c := NewChecker(Options{}, zerolog.New(&buf))
	res := config.NewResource("r")
	res.Kind = config.Kind("lambda")

	assert.True(t, c.Check(context.Background(), res).Healthy)
	assert.Contains(t, buf.String(), "unknown resource kind")
}

func TestCheck_SecondaryProbesInOrder(t *testing.T) {
	alwaysUp := ProbeFunc(func(context.Context, *config.Resource) Verdict { return Pass() })
	probes := map[config.Kind]LivenessProbe{config.KindProcess: alwaysUp}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		setup  func(res *config.Resource)
		ports  fakePorts
		cmd    *fakeCommands
		reason string
	}{
		{
			name:  "all pass",
			setup: func(res *config.Resource) { res.RequiredPorts = []int{8080}; res.HealthURL = srv.URL + "/ok"; res.HealthCommand = "true" },
			ports: fakePorts{8080: true},
			cmd:   &fakeCommands{},
		},
		{
			name:   "required port down",
			setup:  func(res *config.Resource) { res.RequiredPorts = []int{8080, 9090}; res.HealthURL = srv.URL + "/down" },
			ports:  fakePorts{8080: true},
			cmd:    &fakeCommands{},
			reason: "required port 9090 not listening",
		},
		{
			name:   "url non-2xx",
			setup:  func(res *config.Resource) { res.HealthURL = srv.URL + "/down"; res.HealthPort = 7000 },
			ports:  fakePorts{},
			cmd:    &fakeCommands{},
			reason: "health URL " + srv.URL + "/down returned 503",
		},
		{
			name:   "health port down",
			setup:  func(res *config.Resource) { res.HealthPort = 7000; res.HealthCommand = "false" },
			ports:  fakePorts{},
			cmd:    &fakeCommands{err: errors.New("exit status 1")},
			reason: "health port 7000 not listening",
		},
		{
			name:   "command fails with output",
			setup:  func(res *config.Resource) { res.HealthCommand = "check" },
			cmd:    &fakeCommands{output: []byte("  db unreachable\n"), err: errors.New("exit status 2")},
			reason: "health command failed: db unreachable",
		},
		{
			name:   "command fails silently",
			setup:  func(res *config.Resource) { res.HealthCommand = "check" },
			cmd:    &fakeCommands{err: errors.New("exit status 2")},
			reason: "health command failed: exit status 2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := config.NewResource("api")
			res.Kind = config.KindProcess
			tt.setup(res)

			v := newChecker(probes, tt.ports, tt.cmd).Check(context.Background(), res)
			assert.Equal(t, tt.reason == "", v.Healthy, v.Reason)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestCheck_KindProbeShortCircuits(t *testing.T) {
	down := ProbeFunc(func(context.Context, *config.Resource) Verdict { return Fail("down") })
	cmds := &fakeCommands{}
	c := newChecker(map[config.Kind]LivenessProbe{config.KindProcess: down}, fakePorts{}, cmds)

	res := config.NewResource("api")
	res.Kind = config.KindProcess
	res.HealthCommand = "true"

	v := c.Check(context.Background(), res)
	assert.Equal(t, "down", v.Reason)
	assert.Empty(t, cmds.ran)
}

func TestCheck_CommandOutputTruncated(t *testing.T) {
	cmds := &fakeCommands{output: []byte(strings.Repeat("x", 500)), err: errors.New("exit status 1")}
	c := newChecker(nil, nil, cmds)
	res := config.NewResource("api")
	res.Kind = config.Kind("none")
	res.HealthCommand = "check"

	v := c.Check(context.Background(), res)
	assert.Equal(t, "health command failed: "+strings.Repeat("x", commandOutputLimit), v.Reason)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"ascii", "abcdef", 4, "abcd"},
		{"rune boundary", "aé", 2, "a"},
		{"inside three byte rune", "ab€", 4, "ab"},
		{"exact rune end", "ab€", 5, "ab€"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestCheck_HungCommandHonoursTimeout(t *testing.T) {
	c := NewChecker(Options{CommandTimeout: 300 * time.Millisecond}, zerolog.Nop())
	res := config.NewResource("api")
	res.Kind = config.Kind("none")
	res.HealthCommand = "sleep 5; true"

	start := time.Now()
	v := c.Check(context.Background(), res)
	elapsed := time.Since(start)

	assert.False(t, v.Healthy)
	assert.Less(t, elapsed, 300*time.Millisecond+commandWaitDelay+500*time.Millisecond)
}

func TestShellRunner_KillsBackgroundChildren(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ShellRunner{}.Run(ctx, "sleep 5 & sleep 5; wait")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestShellRunner(t *testing.T) {
	out, err := ShellRunner{}.Run(context.Background(), "echo hello; exit 0")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	out, err = ShellRunner{}.Run(context.Background(), "echo broken >&2; exit 3")
	assert.Error(t, err)
	assert.Equal(t, "broken\n", string(out))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileIntegrity_Presence(t *testing.T) {
	dir := t.TempDir()
	probe := NewFileIntegrityProbe(zerolog.Nop())
	res := config.NewResource("cfg")
	res.Kind = config.KindFileIntegrity

	res.ProtectedFiles = []string{writeFile(t, dir, "a.conf", "x=1")}
	assert.True(t, probe.Probe(context.Background(), res).Healthy)

	res.ProtectedFiles = append(res.ProtectedFiles, writeFile(t, dir, "empty.conf", ""))
	v := probe.Probe(context.Background(), res)
	assert.False(t, v.Healthy)
	assert.Contains(t, v.Reason, "protected file empty")

	res.ProtectedFiles = []string{filepath.Join(dir, "gone.conf")}
	v = probe.Probe(context.Background(), res)
	assert.False(t, v.Healthy)
	assert.Contains(t, v.Reason, "protected file missing")
}

func TestFileIntegrity_JSON(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		keys     []string
		pins     []config.JSONPin
		comments bool
		reason   string
	}{
		{
			name:    "keys present",
			content: `{"model":"llama","port":8080}`,
			keys:    []string{"model", "port"},
		},
		{
			name:    "key missing",
			content: `{"model":"llama"}`,
			keys:    []string{"model", "port"},
			reason:  `missing required key "port"`,
		},
		{
			name:    "invalid json",
			content: `{"model":`,
			keys:    []string{"model"},
			reason:  "invalid JSON",
		},
		{
			name:    "pin matches string",
			content: `{"server":{"mode":"production"}}`,
			pins:    []config.JSONPin{{Path: "server.mode", Value: "production"}},
		},
		{
			name:    "pin mismatch",
			content: `{"server":{"mode":"debug"}}`,
			pins:    []config.JSONPin{{Path: "server.mode", Value: "production"}},
			reason:  "JSON value mismatch at server.mode",
		},
		{
			name:    "pin matches raw literal",
			content: `{"limits":{"workers":4,"tls":true}}`,
			pins:    []config.JSONPin{{Path: "limits.workers", Value: "4"}, {Path: "limits.tls", Value: "true"}},
		},
		{
			name:    "pin through array",
			content: `{"backends":[{"url":"http://a"},{"url":"http://b"}]}`,
			pins:    []config.JSONPin{{Path: "backends.1.url", Value: "http://b"}},
		},
		{
			name:    "pin missing path",
			content: `{"a":1}`,
			pins:    []config.JSONPin{{Path: "b.c", Value: "1"}},
			reason:  "JSON value mismatch at b.c",
		},
		{
			name:     "comments allowed",
			content:  "{\n  // primary model\n  \"model\": \"llama\", /* trailing */\n}",
			keys:     []string{"model"},
			comments: true,
		},
		{
			name:    "comments rejected by default",
			content: "{\n  // primary model\n  \"model\": \"llama\"\n}",
			keys:    []string{"model"},
			reason:  "invalid JSON",
		},
		{
			name:    "top level array lacks keys",
			content: `[1,2]`,
			keys:    []string{"model"},
			reason:  "is not an object",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			res := config.NewResource("cfg")
			res.Kind = config.KindFileIntegrity
			res.ProtectedFiles = []string{writeFile(t, dir, "settings.json", tt.content)}
			res.RequiredJSONKeys = tt.keys
			res.RequiredJSONValues = tt.pins
			res.AllowJSONComments = tt.comments

			v := NewFileIntegrityProbe(zerolog.Nop()).Probe(context.Background(), res)
			if tt.reason == "" {
				assert.True(t, v.Healthy, v.Reason)
			} else {
				assert.False(t, v.Healthy)
				assert.Contains(t, v.Reason, tt.reason)
			}
		})
	}
}

func TestFileIntegrity_NonJSONFilesSkipJSONChecks(t *testing.T) {
	dir := t.TempDir()
	res := config.NewResource("cfg")
	res.ProtectedFiles = []string{writeFile(t, dir, "app.ini", "not json")}
	res.RequiredJSONKeys = []string{"model"}

	assert.True(t, NewFileIntegrityProbe(zerolog.Nop()).Probe(context.Background(), res).Healthy)
}

func TestFileIntegrity_MismatchLogTruncated(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	long := strings.Repeat("v", 300)
	res := config.NewResource("cfg")
	res.ProtectedFiles = []string{writeFile(t, dir, "s.json", `{"k":"`+long+`"}`)}
	res.RequiredJSONValues = []config.JSONPin{{Path: "k", Value: strings.Repeat("e", 300)}}

	v := NewFileIntegrityProbe(zerolog.New(&buf)).Probe(context.Background(), res)
	assert.False(t, v.Healthy)

	logged := buf.String()
	assert.Contains(t, logged, `"expected":"`+strings.Repeat("e", mismatchLimit)+`"`)
	assert.NotContains(t, logged, strings.Repeat("e", mismatchLimit+1))
	assert.NotContains(t, logged, strings.Repeat("v", mismatchLimit+1))
}
