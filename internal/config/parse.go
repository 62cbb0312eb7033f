package config

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// section is one [name] block with its key=value pairs in file order.
type section struct {
	name  string
	pairs []pair
}

type pair struct {
	key   string
	value string
}

// parseINI splits the source into sections. Lines outside any section are
// dropped, as are comments (# or ;) and blank lines.
func parseINI(data []byte) []section {
	var sections []section
	var current *section

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				current = nil
				continue
			}
			sections = append(sections, section{name: name})
			current = &sections[len(sections)-1]
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok || current == nil {
			continue
		}
		current.pairs = append(current.pairs, pair{
			key:   strings.TrimSpace(key),
			value: unquote(strings.TrimSpace(value)),
		})
	}
	return sections
}

// parseYAML reads a mapping of section name to mapping of keys. Sequence
// values are joined into the comma-separated list form.
func parseYAML(data []byte) ([]section, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level must be a mapping of sections")
	}

	var sections []section
	for i := 0; i+1 < len(doc.Content); i += 2 {
		nameNode, body := doc.Content[i], doc.Content[i+1]
		s := section{name: nameNode.Value}
		if body.Kind == yaml.MappingNode {
			for j := 0; j+1 < len(body.Content); j += 2 {
				s.pairs = append(s.pairs, pair{
					key:   body.Content[j].Value,
					value: yamlValue(body.Content[j+1]),
				})
			}
		}
		sections = append(sections, s)
	}
	return sections, nil
}

func yamlValue(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return ""
		}
		return n.Value
	case yaml.SequenceNode:
		items := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			items = append(items, yamlValue(c))
		}
		return strings.Join(items, ",")
	case yaml.MappingNode:
		items := make([]string, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			items = append(items, n.Content[i].Value+"="+yamlValue(n.Content[i+1]))
		}
		return strings.Join(items, ",")
	case yaml.AliasNode:
		if n.Alias != nil {
			return yamlValue(n.Alias)
		}
	}
	return ""
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// normalizeKey folds case and drops separators so that maxSoftRestarts,
// max_soft_restarts and max-soft-restarts name the same key.
func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "", ".", "").Replace(k)
}

// builder applies parsed sections onto a Config, recording bad values.
type builder struct {
	cfg     *Config
	section string
}

func build(sections []section) *Config {
	cfg := &Config{
		Settings: DefaultSettings(),
		byName:   make(map[string]*Resource),
	}
	b := &builder{cfg: cfg}

	for _, s := range sections {
		b.section = s.name
		if normalizeKey(s.name) == GlobalSection {
			for _, p := range s.pairs {
				b.applyGlobal(&cfg.Settings, p)
			}
			continue
		}

		res, exists := cfg.byName[s.name]
		if !exists {
			res = NewResource(s.name)
			cfg.byName[s.name] = res
			cfg.Resources = append(cfg.Resources, res)
		}
		for _, p := range s.pairs {
			b.applyResource(res, p)
		}
	}
	return cfg
}

func (b *builder) warn(p pair) {
	b.cfg.Warnings = append(b.cfg.Warnings,
		fmt.Sprintf("[%s] %s: invalid value %q, using default", b.section, p.key, p.value))
}

func (b *builder) applyGlobal(s *Settings, p pair) {
	var ok = true
	switch normalizeKey(p.key) {
	case "checkinterval", "interval":
		ok = setDuration(&s.CheckInterval, p.value, false)
	case "logfile":
		s.LogFile = p.value
	case "maxlogsize":
		ok = setSize(&s.MaxLogSize, p.value)
	case "loglevel":
		ok = setLevel(&s.LogLevel, p.value)
	case "backupdir":
		s.BackupDir = p.value
	case "backupgenerations", "generations":
		ok = setPositiveInt(&s.BackupGenerations, p.value)
	case "statedir":
		s.StateDir = p.value
	case "probetimeout":
		ok = setDuration(&s.ProbeTimeout, p.value, false)
	case "commandtimeout":
		ok = setDuration(&s.CommandTimeout, p.value, false)
	case "actiontimeout":
		ok = setDuration(&s.ActionTimeout, p.value, false)
	case "selfunitfile", "unitfile":
		s.SelfUnitFile = p.value
	case "integritycheck", "selfintegrity":
		ok = setBool(&s.IntegrityCheck, p.value)
	case "metricsfile":
		s.MetricsFile = p.value
	case "journalfile":
		s.JournalFile = p.value
	case "mirrorbucket":
		s.Mirror.Bucket = p.value
	case "mirrorprefix":
		s.Mirror.Prefix = strings.Trim(p.value, "/")
	case "mirrorregion":
		if p.value != "" {
			s.Mirror.Region = p.value
		}
	case "mirrorendpoint":
		s.Mirror.Endpoint = p.value
	case "mirroraccesskey":
		s.Mirror.AccessKey = p.value
	case "mirrorsecretkey":
		s.Mirror.SecretKey = p.value
	}
	if !ok {
		b.warn(p)
	}
}

func (b *builder) applyResource(r *Resource, p pair) {
	var ok = true
	switch normalizeKey(p.key) {
	case "kind", "type":
		r.Kind = parseKind(p.value)
	case "enabled":
		ok = setBool(&r.Enabled, p.value)
	case "description":
		r.Description = p.value
	case "maxsoftrestarts":
		ok = setNonNegativeInt(&r.MaxSoftRestarts, p.value)
	case "restartgrace":
		ok = setDuration(&r.RestartGrace, p.value, true)
	case "restartvia":
		r.RestartVia = p.value
	case "protectedfiles", "files":
		r.ProtectedFiles = splitList(p.value)
	case "protectedservicefile", "servicefile":
		r.ProtectedServiceFile = p.value
	case "skipimmutable":
		ok = setBool(&r.SkipImmutable, p.value)
	case "user", "runas", "runasuser", "serviceuser":
		r.User = p.value
	case "requiredports", "ports":
		var ports []int
		ports, ok = parsePorts(p.value)
		if ok {
			r.RequiredPorts = ports
		}
	case "healthurl":
		r.HealthURL = p.value
	case "healthport":
		ok = setPort(&r.HealthPort, p.value)
	case "healthcommand", "healthcmd":
		r.HealthCommand = p.value
	case "processmatch", "match", "pattern":
		r.ProcessMatch = p.value
	case "startcommand", "startcmd":
		r.StartCommand = p.value
	case "workingdir", "workdir":
		r.WorkingDir = p.value
	case "venv", "virtualenv":
		r.Venv = p.value
	case "launcher", "interpreter":
		ok = setLauncher(&r.Launcher, p.value)
	case "stopgrace":
		ok = setDuration(&r.StopGrace, p.value, true)
	case "releaseports":
		ok = setBool(&r.ReleasePorts, p.value)
	case "startlog":
		r.StartLog = p.value
	case "service", "servicename", "unit":
		r.Service = p.value
	case "container", "containername":
		r.Container = p.value
	case "dockerhealth", "containerhealth":
		ok = setBool(&r.DockerHealth, p.value)
	case "requiredjsonkeys", "jsonkeys":
		r.RequiredJSONKeys = splitList(p.value)
	case "requiredjsonvalues", "jsonvalues":
		var pins []JSONPin
		pins, ok = parsePins(p.value)
		if ok {
			r.RequiredJSONValues = pins
		}
	case "allowjsoncomments":
		ok = setBool(&r.AllowJSONComments, p.value)
	}
	if !ok {
		b.warn(p)
	}
}

func parseKind(v string) Kind {
	switch normalizeKey(v) {
	case "process", "proc":
		return KindProcess
	case "systemduser", "systemd", "service":
		return KindSystemdUser
	case "docker", "container":
		return KindDocker
	case "fileintegrity", "file", "files":
		return KindFileIntegrity
	}
	return Kind(strings.ToLower(strings.TrimSpace(v)))
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parsePorts(v string) ([]int, bool) {
	var ports []int
	for _, item := range splitList(v) {
		var port int
		if !setPort(&port, item) {
			return nil, false
		}
		ports = append(ports, port)
	}
	return ports, true
}

// pinStart matches a list segment that begins a new "path=value" pin. A
// segment that does not is the rest of the previous pin's value after a
// comma, as in "a.b=[1,2]".
var pinStart = regexp.MustCompile(`^\s*[^\s=\[\]{}"',:]+\s*=`)

func splitPins(v string) []string {
	var out []string
	for _, seg := range strings.Split(v, ",") {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		if len(out) > 0 && !pinStart.MatchString(seg) {
			out[len(out)-1] += "," + seg
			continue
		}
		out = append(out, seg)
	}
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

func parsePins(v string) ([]JSONPin, bool) {
	var pins []JSONPin
	for _, item := range splitPins(v) {
		path, value, ok := strings.Cut(item, "=")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			return nil, false
		}
		pins = append(pins, JSONPin{Path: path, Value: unquote(strings.TrimSpace(value))})
	}
	return pins, true
}

func setBool(dst *bool, v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on", "y":
		*dst = true
		return true
	case "no", "off", "n":
		*dst = false
		return true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	*dst = b
	return true
}

func setNonNegativeInt(dst *int, v string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return false
	}
	*dst = n
	return true
}

func setPositiveInt(dst *int, v string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return false
	}
	*dst = n
	return true
}

func setPort(dst *int, v string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 || n > 65535 {
		return false
	}
	*dst = n
	return true
}

// setDuration accepts Go duration syntax or a bare integer of seconds.
func setDuration(dst *time.Duration, v string, allowZero bool) bool {
	v = strings.TrimSpace(v)
	var d time.Duration
	if n, err := strconv.Atoi(v); err == nil {
		d = time.Duration(n) * time.Second
	} else {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return false
		}
		d = parsed
	}
	if d < 0 || (d == 0 && !allowZero) {
		return false
	}
	*dst = d
	return true
}

func setSize(dst *int64, v string) bool {
	n, err := humanize.ParseBytes(strings.TrimSpace(v))
	if err != nil || n == 0 {
		return false
	}
	*dst = int64(n)
	return true
}

func setLevel(dst *zerolog.Level, v string) bool {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(v)))
	if err != nil || lvl == zerolog.NoLevel {
		return false
	}
	*dst = lvl
	return true
}

func setLauncher(dst *Launcher, v string) bool {
	switch l := Launcher(strings.ToLower(strings.TrimSpace(v))); l {
	case LauncherAuto, LauncherPython, LauncherShell, LauncherBash, LauncherNode, LauncherExec:
		*dst = l
		return true
	}
	return false
}
