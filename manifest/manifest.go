// Package manifest handles zfvm.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/zfvm/verify"
)

// Manifest represents a zfvm.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Source  Source  `toml:"source"`
	Verify  Verify  `toml:"verify"`

	// Dir is the directory containing the zfvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name      string `toml:"name"`
	Namespace string `toml:"namespace"`
	Version   string `toml:"version"`
}

// Source configures assembly source locations.
type Source struct {
	Dirs   []string `toml:"dirs"`
	Entry  string   `toml:"entry"`
	Output string   `toml:"output"`
}

// Verify configures how modules are checked before running.
type Verify struct {
	Policy string `toml:"policy"`
	Cache  string `toml:"cache"`
}

// Load parses a zfvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "zfvm.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes manifest text and applies defaults.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	// Defaults
	if len(m.Source.Dirs) == 0 {
		m.Source.Dirs = []string{"src"}
	}
	if m.Source.Entry == "" {
		m.Source.Entry = "main.zfa"
	}
	if m.Verify.Policy == "" {
		m.Verify.Policy = verify.Permissive.String()
	}

	if _, ok := verify.ParsePolicy(m.Verify.Policy); !ok {
		return nil, fmt.Errorf("unknown verify policy %q", m.Verify.Policy)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a zfvm.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "zfvm.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Policy returns the configured verifier policy.
func (m *Manifest) Policy() verify.Policy {
	p, _ := verify.ParsePolicy(m.Verify.Policy)
	return p
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	var paths []string
	for _, d := range m.Source.Dirs {
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// EntryPath returns the absolute path of the entry listing. It is looked up
// in each source directory in order; the first existing file wins, falling
// back to the first directory when none exists yet.
func (m *Manifest) EntryPath() string {
	for _, d := range m.SourceDirPaths() {
		p := filepath.Join(d, m.Source.Entry)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(m.SourceDirPaths()[0], m.Source.Entry)
}

// OutputPath returns where the assembled container should be written. It
// defaults to <name>.zfm in the manifest directory.
func (m *Manifest) OutputPath() string {
	out := m.Source.Output
	if out == "" {
		name := m.Project.Name
		if name == "" {
			name = "out"
		}
		out = name + ".zfm"
	}
	if filepath.IsAbs(out) {
		return out
	}
	return filepath.Join(m.Dir, out)
}

// CachePath returns the verification cache location, or "" when caching is
// disabled. Relative paths resolve against the manifest directory.
func (m *Manifest) CachePath() string {
	c := m.Verify.Cache
	if c == "" {
		return ""
	}
	if filepath.IsAbs(c) {
		return c
	}
	return filepath.Join(m.Dir, c)
}
