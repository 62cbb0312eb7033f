// Package config provides configuration loading for the guardian daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrConfigAbsent is returned when no configuration source can be found.
// It is the only configuration error that stops the daemon.
var ErrConfigAbsent = errors.New("no configuration file found")

// EnvConfigPath names the environment variable that overrides config discovery.
const EnvConfigPath = "GUARDIAN_CONFIG"

// Default discovery locations, in precedence order after the explicit override.
const (
	LocalConfigPath  = "guardian.conf"
	SystemConfigPath = "/etc/guardian/guardian.conf"
)

// GlobalSection is the section holding daemon-wide settings.
const GlobalSection = "global"

// Kind identifies how a resource is probed and restarted.
type Kind string

const (
	// KindProcess is an OS process matched against the process table.
	KindProcess Kind = "process"
	// KindSystemdUser is a unit running under a user's systemd instance.
	KindSystemdUser Kind = "systemd-user"
	// KindDocker is a Docker container.
	KindDocker Kind = "docker"
	// KindFileIntegrity is a set of protected files with no process behind them.
	KindFileIntegrity Kind = "file-integrity"
)

// Launcher selects the interpreter used to run a process start command.
type Launcher string

const (
	LauncherAuto   Launcher = ""
	LauncherPython Launcher = "python"
	LauncherShell  Launcher = "shell"
	LauncherBash   Launcher = "bash"
	LauncherNode   Launcher = "node"
	LauncherExec   Launcher = "exec"
)

// Resource is one monitored unit declared in configuration.
type Resource struct {
	Name                 string
	Kind                 Kind
	Enabled              bool
	Description          string
	MaxSoftRestarts      int
	RestartGrace         time.Duration
	RestartVia           string
	ProtectedFiles       []string
	ProtectedServiceFile string
	SkipImmutable        bool
	User                 string

	// Secondary probes, applied to every kind.
	RequiredPorts []int
	HealthURL     string
	HealthPort    int
	HealthCommand string

	// Process
	ProcessMatch string
	StartCommand string
	WorkingDir   string
	Venv         string
	Launcher     Launcher
	StopGrace    time.Duration
	ReleasePorts bool
	StartLog     string

	// SystemdUser
	Service string

	// Docker
	Container string
	// DockerHealth also requires the container's own HEALTHCHECK to pass.
	DockerHealth bool

	// FileIntegrity
	RequiredJSONKeys   []string
	RequiredJSONValues []JSONPin
	AllowJSONComments  bool
}

// JSONPin is a required value at a dot path inside a JSON document.
type JSONPin struct {
	Path  string
	Value string
}

// String returns the pin in its configuration form.
func (p JSONPin) String() string {
	return p.Path + "=" + p.Value
}

// BackupFiles returns every file the backup manager tracks for the resource:
// the protected files followed by the protected service file, if any.
func (r *Resource) BackupFiles() []string {
	files := make([]string, 0, len(r.ProtectedFiles)+1)
	files = append(files, r.ProtectedFiles...)
	if r.ProtectedServiceFile != "" {
		files = append(files, r.ProtectedServiceFile)
	}
	return files
}

// SharedBackupNames groups the resource's distinct backup files by
// basename and returns only the groups with more than one file. Backups are
// keyed by basename, so these files would overwrite each other's copies.
func (r *Resource) SharedBackupNames() map[string][]string {
	groups := make(map[string][]string)
	seen := make(map[string]bool)
	for _, f := range r.BackupFiles() {
		if seen[f] {
			continue
		}
		seen[f] = true
		base := filepath.Base(f)
		groups[base] = append(groups[base], f)
	}
	for base, files := range groups {
		if len(files) < 2 {
			delete(groups, base)
		}
	}
	return groups
}

// MatchPattern returns the regular expression identifying a process
// resource in the process table: process_match, or the quoted start command
// when no pattern is set.
func (r *Resource) MatchPattern() string {
	if r.ProcessMatch != "" {
		return r.ProcessMatch
	}
	if r.StartCommand != "" {
		return regexp.QuoteMeta(r.StartCommand)
	}
	return ""
}

// Settings holds daemon-wide settings from the global section.
type Settings struct {
	CheckInterval     time.Duration
	LogFile           string
	MaxLogSize        int64
	LogLevel          zerolog.Level
	BackupDir         string
	BackupGenerations int
	StateDir          string

	ProbeTimeout   time.Duration
	CommandTimeout time.Duration
	ActionTimeout  time.Duration

	SelfUnitFile   string
	IntegrityCheck bool

	MetricsFile string
	JournalFile string

	Mirror MirrorSettings
}

// MirrorSettings configures the optional off-host copy of backups.
type MirrorSettings struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Enabled reports whether a mirror bucket is configured.
func (m MirrorSettings) Enabled() bool {
	return m.Bucket != ""
}

// Config is the fully parsed, read-only configuration.
type Config struct {
	// Path is the file the configuration was loaded from.
	Path      string
	Settings  Settings
	Resources []*Resource
	// Warnings lists values that could not be parsed and fell back to defaults.
	Warnings []string

	byName map[string]*Resource
}

// Resource returns the resource with the given name.
func (c *Config) Resource(name string) (*Resource, bool) {
	r, ok := c.byName[name]
	return r, ok
}

// Enabled returns the enabled resources in declaration order.
func (c *Config) Enabled() []*Resource {
	out := make([]*Resource, 0, len(c.Resources))
	for _, r := range c.Resources {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// DefaultSettings returns the global settings used when a key is absent.
func DefaultSettings() Settings {
	return Settings{
		CheckInterval:     60 * time.Second,
		LogFile:           "/var/log/guardian/guardian.log",
		MaxLogSize:        10 * 1024 * 1024,
		LogLevel:          zerolog.InfoLevel,
		BackupDir:         "/var/lib/guardian/backups",
		BackupGenerations: 5,
		StateDir:          "/var/lib/guardian/state",
		ProbeTimeout:      10 * time.Second,
		CommandTimeout:    30 * time.Second,
		ActionTimeout:     60 * time.Second,
		SelfUnitFile:      "/etc/systemd/system/guardian.service",
		IntegrityCheck:    true,
		Mirror: MirrorSettings{
			Region: "us-east-1",
		},
	}
}

// NewResource returns a resource carrying the documented defaults.
func NewResource(name string) *Resource {
	return &Resource{
		Name:            name,
		Enabled:         true,
		MaxSoftRestarts: 3,
		RestartGrace:    10 * time.Second,
		StopGrace:       5 * time.Second,
		ReleasePorts:    true,
	}
}

// Discover resolves the configuration path. An explicit override wins, then
// the GUARDIAN_CONFIG environment variable, then the local development path,
// then the installed system path.
func Discover(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigAbsent, override)
		}
		return override, nil
	}

	candidates := []string{os.Getenv(EnvConfigPath), LocalConfigPath, SystemConfigPath}
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrConfigAbsent
}

// Load reads and parses the configuration at path. Files ending in .yaml or
// .yml are read as YAML; everything else uses the section/key=value format.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigAbsent, path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var sections []section
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		sections, err = parseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		sections = parseINI(data)
	}

	cfg := build(sections)
	cfg.Path = path
	return cfg, nil
}

// LoadDefault discovers the configuration path and loads it.
func LoadDefault(override string) (*Config, error) {
	path, err := Discover(override)
	if err != nil {
		return nil, err
	}
	return Load(path)
}
