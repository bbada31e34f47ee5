package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Definition is a fingerprint as written by catalog maintainers, before validation.
type Definition struct {
	BugID                string `yaml:"bug"`
	Query                string `yaml:"query"`
	Facility             string `yaml:"facility"`
	OpenSince            string `yaml:"open-since"`
	ClosedOn             string `yaml:"closed-on"`
	SuppressNotification bool   `yaml:"suppress-notification"`
	SuppressGraph        bool   `yaml:"suppress-graph"`
	// Origin names where the definition came from, for error messages.
	Origin string `yaml:"-"`
}

// Source yields raw fingerprint definitions in declared order.
type Source interface {
	Definitions() ([]Definition, error)
	String() string
}

// DirSource reads one YAML file per bug from a directory. The bug identifier
// defaults to the file name without its extension.
type DirSource struct {
	Dir string
}

func (s DirSource) String() string {
	return "directory " + s.Dir
}

// Definitions loads *.yaml and *.yml files sorted by name.
func (s DirSource) Definitions() ([]Definition, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog directory %s: %w", s.Dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		def, err := LoadDefinitionFile(filepath.Join(s.Dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadDefinitionFile parses a single per-bug query file.
func LoadDefinitionFile(path string) (Definition, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Definition{}, fmt.Errorf("load query file %q: %w", path, err)
	}

	var def Definition
	if err := k.UnmarshalWithConf("", &def, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return Definition{}, fmt.Errorf("decode query file %q: %w", path, err)
	}
	if def.BugID == "" {
		def.BugID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	def.Origin = path
	return def, nil
}

// StaticSource serves definitions held in memory.
type StaticSource []Definition

func (s StaticSource) Definitions() ([]Definition, error) {
	out := make([]Definition, len(s))
	copy(out, s)
	return out, nil
}

func (s StaticSource) String() string {
	return fmt.Sprintf("static source (%d definitions)", len(s))
}
