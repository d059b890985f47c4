// Package store implements the versioned, atomically-written session
// persistence layer (spec §4.7). One YAML file per session plus a
// ".most-recent" pointer file, in the teacher's yaml.v3 idiom
// (internal/daemon/project.go's struct-tag style) generalized from a
// single project.yaml to the full session/tab/layout tree.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rockorager/prise/internal/perr"
)

// currentVersion is the format version this build writes. Readers
// upgrade older versions in memory; a version newer than this one is
// fatal, since we cannot know what it means (spec §4.7).
const currentVersion = 1

// Document is the on-disk shape of one session file.
type Document struct {
	Version     int             `yaml:"version"`
	Name        string          `yaml:"name"`
	Tabs        []TabDoc        `yaml:"tabs"`
	FocusTab    int             `yaml:"focus_tab"`
	SplitSeq    uint64          `yaml:"split_seq"`
	PaneSeq     uint64          `yaml:"pane_seq"`
	UIState     map[string]string `yaml:"ui_state,omitempty"`
}

// TabDoc is one persisted tab.
type TabDoc struct {
	Name        string   `yaml:"name"`
	Root        *NodeDoc `yaml:"root"`
	FocusPaneID uint64   `yaml:"focus_pane_id"`
}

// NodeDoc is one persisted layout tree node: a leaf (IsSplit false, with
// PaneID/Cwd) or an internal split (IsSplit true, with Children).
type NodeDoc struct {
	IsSplit  bool       `yaml:"is_split"`
	PaneID   uint64     `yaml:"pane_id,omitempty"`
	Cwd      string     `yaml:"cwd,omitempty"`
	SplitID  uint64     `yaml:"split_id,omitempty"`
	Dir      int        `yaml:"dir,omitempty"`
	Ratio    float64    `yaml:"ratio,omitempty"`
	Children []*NodeDoc `yaml:"children,omitempty"`
}

// Store manages the on-disk session directory: one file per session
// under dir, plus a pointer file naming the most recently used session.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, perr.Wrap(perr.Fatal, "create state dir", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+".yaml")
}

// sanitizeName strips path separators from a session name so it cannot
// escape the state directory via "../" or an absolute path.
func sanitizeName(name string) string {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "_"
	}
	return name
}

func (s *Store) mostRecentPath() string { return filepath.Join(s.dir, ".most-recent") }

// Load reads and migrates the named session's document. A missing file
// returns a perr.NotFound error.
func (s *Store) Load(name string) (*Document, error) {
	data, err := os.ReadFile(s.pathFor(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perr.New(perr.NotFound, "session "+name+" has no persisted state")
		}
		return nil, perr.Wrap(perr.TransientIO, "read session file", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, perr.Wrap(perr.Fatal, "parse session file", err)
	}

	if doc.Version > currentVersion {
		return nil, perr.New(perr.Fatal, fmt.Sprintf(
			"session %s was written by a newer version (format %d > %d)", name, doc.Version, currentVersion))
	}
	migrate(&doc)
	return &doc, nil
}

// migrate upgrades an older-format document in place. There is only one
// format version so far; this is where version 0 -> 1 etc. steps go as
// the format grows.
func migrate(doc *Document) {
	if doc.Version == 0 {
		doc.Version = currentVersion
	}
}

// Save atomically persists doc as the named session's state: write to a
// temp file in the same directory, fsync, then rename over the target.
// Partial writes are never observable (spec §4.7).
func (s *Store) Save(name string, doc *Document) error {
	doc.Version = currentVersion
	data, err := yaml.Marshal(doc)
	if err != nil {
		return perr.Wrap(perr.Fatal, "marshal session", err)
	}

	target := s.pathFor(name)
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+sanitizeName(name)+"-*")
	if err != nil {
		return perr.Wrap(perr.TransientIO, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return perr.Wrap(perr.TransientIO, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return perr.Wrap(perr.TransientIO, "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return perr.Wrap(perr.TransientIO, "close temp file", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return perr.Wrap(perr.TransientIO, "rename into place", err)
	}

	return s.markMostRecent(name)
}

func (s *Store) markMostRecent(name string) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-most-recent-*")
	if err != nil {
		return perr.Wrap(perr.TransientIO, "create temp pointer file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(name); err != nil {
		tmp.Close()
		return perr.Wrap(perr.TransientIO, "write pointer file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return perr.Wrap(perr.TransientIO, "fsync pointer file", err)
	}
	tmp.Close()
	return os.Rename(tmpPath, s.mostRecentPath())
}

// MostRecent returns the name of the most recently used session, or
// ("", perr.NotFound) if none has ever been saved.
func (s *Store) MostRecent() (string, error) {
	data, err := os.ReadFile(s.mostRecentPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", perr.New(perr.NotFound, "no sessions have been saved yet")
		}
		return "", perr.Wrap(perr.TransientIO, "read pointer file", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// List returns the names of all persisted sessions.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, perr.Wrap(perr.TransientIO, "list state dir", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}

// Delete removes a session's persisted file.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.pathFor(name))
	if err != nil && !os.IsNotExist(err) {
		return perr.Wrap(perr.TransientIO, "delete session file", err)
	}
	return nil
}

// Rename moves a session's persisted state to a new name, atomically.
func (s *Store) Rename(oldName, newName string) error {
	if err := os.Rename(s.pathFor(oldName), s.pathFor(newName)); err != nil {
		return perr.Wrap(perr.TransientIO, "rename session file", err)
	}
	return nil
}
