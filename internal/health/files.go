package health

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
)

// mismatchLimit caps expected and actual values in mismatch log lines.
const mismatchLimit = 80

// FileIntegrityProbe checks that protected files exist, are non-empty and,
// for JSON files, carry the required keys and pinned values.
type FileIntegrityProbe struct {
	logger zerolog.Logger
}

// NewFileIntegrityProbe creates a FileIntegrityProbe.
func NewFileIntegrityProbe(logger zerolog.Logger) *FileIntegrityProbe {
	return &FileIntegrityProbe{logger: logger.With().Str("component", "file-integrity").Logger()}
}

func (p *FileIntegrityProbe) Probe(_ context.Context, res *config.Resource) Verdict {
	checkJSON := len(res.RequiredJSONKeys) > 0 || len(res.RequiredJSONValues) > 0

	for _, path := range res.ProtectedFiles {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Fail("protected file missing: %s", path)
			}
			return Fail("protected file unreadable: %s: %v", path, err)
		}
		if info.IsDir() {
			continue
		}
		if info.Size() == 0 {
			return Fail("protected file empty: %s", path)
		}

		if checkJSON && strings.EqualFold(filepath.Ext(path), ".json") {
			if v := p.checkJSON(res, path); !v.Healthy {
				return v
			}
		}
	}
	return Pass()
}

func (p *FileIntegrityProbe) checkJSON(res *config.Resource, path string) Verdict {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fail("protected file unreadable: %s: %v", path, err)
	}
	if res.AllowJSONComments {
		data = jsonc.ToJSON(data)
	}
	if !gjson.ValidBytes(data) {
		return Fail("invalid JSON in %s", path)
	}

	doc := gjson.ParseBytes(data)
	if len(res.RequiredJSONKeys) > 0 {
		if !doc.IsObject() {
			return Fail("JSON document %s is not an object", path)
		}
		top := doc.Map()
		for _, key := range res.RequiredJSONKeys {
			if _, ok := top[key]; !ok {
				return Fail("missing required key %q in %s", key, path)
			}
		}
	}

	for _, pin := range res.RequiredJSONValues {
		got := doc.Get(pin.Path)
		if got.Exists() && (got.String() == pin.Value || got.Raw == pin.Value) {
			continue
		}

		actual := "<missing>"
		if got.Exists() {
			actual = got.Raw
		}
		p.logger.Warn().
			Str("resource", res.Name).
			Str("file", path).
			Str("path", pin.Path).
			Str("expected", truncate(pin.Value, mismatchLimit)).
			Str("actual", truncate(actual, mismatchLimit)).
			Msg("JSON value mismatch")
		return Fail("JSON value mismatch at %s in %s", pin.Path, path)
	}
	return Pass()
}
