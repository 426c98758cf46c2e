// Package manifest handles tern.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "tern.toml"

// Defaults applied by Load.
const (
	DefaultEntry    = "main#"
	DefaultMaxDepth = 1024
	DefaultAddr     = ":4567"
)

// Manifest represents a tern.toml project configuration.
type Manifest struct {
	Project      Project               `toml:"project"`
	Run          Run                   `toml:"run"`
	Engine       Engine                `toml:"engine"`
	Server       Server                `toml:"server"`
	Store        Store                 `toml:"store"`
	Log          Log                   `toml:"log"`
	Dependencies map[string]Dependency `toml:"dependencies"`

	// Dir is the directory containing the tern.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Run selects what the CLI executes.
type Run struct {
	Entry     string   `toml:"entry"`
	Inputs    []string `toml:"inputs"`
	ClassPath []string `toml:"classpath"`
	Args      []string `toml:"args"`
}

// Engine sizes the runtime.
type Engine struct {
	MaxDepth  int `toml:"max-depth"`
	InboxSize int `toml:"inbox-size"`
}

// Server configures the host service.
type Server struct {
	Addr string `toml:"addr"`
}

// Store configures the durable frame store. An empty path disables it.
type Store struct {
	Path string `toml:"path"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Dependency is a library whose units join the class path. Exactly one of
// Git or Path is set.
type Dependency struct {
	Git  string `toml:"git"`
	Tag  string `toml:"tag"`
	Path string `toml:"path"`
}

// Load parses the tern.toml file in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if m.Run.Entry == "" {
		m.Run.Entry = DefaultEntry
	}
	if m.Engine.MaxDepth <= 0 {
		m.Engine.MaxDepth = DefaultMaxDepth
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultAddr
	}
	for name, dep := range m.Dependencies {
		if (dep.Git == "") == (dep.Path == "") {
			return nil, fmt.Errorf("%s: dependency %q needs exactly one of git or path", path, name)
		}
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a tern.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) abs(paths []string) []string {
	var out []string
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(m.Dir, p)
		}
		out = append(out, p)
	}
	return out
}

// InputPaths returns absolute paths for [run] inputs.
func (m *Manifest) InputPaths() []string {
	return m.abs(m.Run.Inputs)
}

// ClassPathEntries returns absolute paths for the [run] class path.
func (m *Manifest) ClassPathEntries() []string {
	return m.abs(m.Run.ClassPath)
}

// StorePath returns the absolute frame store path, or "" when unset.
func (m *Manifest) StorePath() string {
	if m.Store.Path == "" {
		return ""
	}
	return m.abs([]string{m.Store.Path})[0]
}

// LogFile returns the absolute log file path, or "" for stderr.
func (m *Manifest) LogFile() string {
	if m.Log.File == "" {
		return ""
	}
	return m.abs([]string{m.Log.File})[0]
}

// DepsDir returns the path to the .tern/deps directory.
func (m *Manifest) DepsDir() string {
	return filepath.Join(m.Dir, ".tern", "deps")
}

// LockFilePath returns the path to .tern/lock.toml.
func (m *Manifest) LockFilePath() string {
	return filepath.Join(m.Dir, ".tern", "lock.toml")
}
