package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockorager/prise/internal/perr"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	doc := &Document{
		Name: "work",
		Tabs: []TabDoc{{
			Name: "main",
			Root: &NodeDoc{IsSplit: false, PaneID: 1, Cwd: "/home/user"},
		}},
	}
	require.NoError(t, s.Save("work", doc))

	got, err := s.Load("work")
	require.NoError(t, err)
	assert.Equal(t, "work", got.Name)
	assert.Equal(t, currentVersion, got.Version)
	assert.Equal(t, uint64(1), got.Tabs[0].Root.PaneID)
}

func TestLoadMissingSessionIsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load("nope")
	assert.True(t, perr.Is(err, perr.NotFound))
}

func TestLoadFutureVersionIsFatal(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	future := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(future, []byte("version: 999\nname: bad\n"), 0o600))

	_, err = s.Load("bad")
	assert.True(t, perr.Is(err, perr.Fatal))
}

func TestMostRecentTracksLastSave(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("a", &Document{Name: "a"}))
	require.NoError(t, s.Save("b", &Document{Name: "b"}))

	name, err := s.MostRecent()
	require.NoError(t, err)
	assert.Equal(t, "b", name)
}

func TestListReturnsAllSessions(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("a", &Document{Name: "a"}))
	require.NoError(t, s.Save("b", &Document{Name: "b"}))

	names, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestSanitizeNameRejectsPathEscape(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("../../etc/passwd", &Document{Name: "x"}))
	path := s.pathFor("../../etc/passwd")
	assert.Equal(t, filepath.Join(s.dir, "passwd.yaml"), path)
}
