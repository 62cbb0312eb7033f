package config

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

var (
	// ErrRestartCycle is returned when restartVia references loop back.
	ErrRestartCycle = errors.New("restart_via chain forms a cycle")
	// ErrUnknownResource is returned when restartVia names no declared resource.
	ErrUnknownResource = errors.New("restart_via names an unknown resource")
)

// RestartChain follows restartVia from r and returns every resource visited,
// starting with r itself. The last element is the resource whose restart
// action should run. On a cycle or a dangling reference the chain walked so
// far is returned along with the error.
func (c *Config) RestartChain(r *Resource) ([]*Resource, error) {
	chain := []*Resource{r}
	seen := map[string]bool{r.Name: true}

	for cur := r; cur.RestartVia != ""; {
		next, ok := c.byName[cur.RestartVia]
		if !ok {
			return chain, fmt.Errorf("%w: %s -> %s", ErrUnknownResource, cur.Name, cur.RestartVia)
		}
		if seen[next.Name] {
			names := make([]string, 0, len(chain)+1)
			for _, link := range chain {
				names = append(names, link.Name)
			}
			names = append(names, next.Name)
			return chain, fmt.Errorf("%w: %s", ErrRestartCycle, strings.Join(names, " -> "))
		}
		seen[next.Name] = true
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// Problems reports configuration mistakes that do not stop the daemon but
// will make a resource misbehave. Parse warnings are included.
func (c *Config) Problems() []string {
	problems := append([]string(nil), c.Warnings...)

	for _, r := range c.Resources {
		switch r.Kind {
		case "":
			problems = append(problems, fmt.Sprintf("[%s] kind is not set", r.Name))
		case KindProcess:
			if r.ProcessMatch == "" {
				problems = append(problems, fmt.Sprintf("[%s] process resource has no process_match", r.Name))
			}
			if r.StartCommand == "" && r.RestartVia == "" {
				problems = append(problems, fmt.Sprintf("[%s] process resource has no start_command", r.Name))
			}
		case KindSystemdUser:
			if r.Service == "" {
				problems = append(problems, fmt.Sprintf("[%s] systemd-user resource has no service", r.Name))
			}
		case KindDocker:
			if r.Container == "" {
				problems = append(problems, fmt.Sprintf("[%s] docker resource has no container", r.Name))
			}
		case KindFileIntegrity:
			if len(r.ProtectedFiles) == 0 {
				problems = append(problems, fmt.Sprintf("[%s] file-integrity resource has no protected_files", r.Name))
			}
		default:
			problems = append(problems, fmt.Sprintf("[%s] unknown kind %q", r.Name, r.Kind))
		}

		for _, f := range r.BackupFiles() {
			if !filepath.IsAbs(f) {
				problems = append(problems, fmt.Sprintf("[%s] protected path %q is not absolute", r.Name, f))
			}
		}
		shared := r.SharedBackupNames()
		for _, base := range slices.Sorted(maps.Keys(shared)) {
			problems = append(problems, fmt.Sprintf("[%s] protected files %s share backup name %q",
				r.Name, strings.Join(shared[base], ", "), base))
		}

		if _, err := c.RestartChain(r); err != nil {
			problems = append(problems, fmt.Sprintf("[%s] %v", r.Name, err))
		}
	}
	return problems
}
