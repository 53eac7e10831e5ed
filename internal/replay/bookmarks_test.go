package replay

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookmarksAdvanceMonotonic(t *testing.T) {
	b, err := LoadBookmarks(filepath.Join(t.TempDir(), "bookmarks.json"))
	require.NoError(t, err)

	assert.Equal(t, Position{}, b.Get("node-b"))

	b.AdvanceLocal("node-b", 100)
	b.AdvanceRemote("node-b", 50)
	assert.Equal(t, Position{Local: 100, Remote: 50}, b.Get("node-b"))

	// Positions never move backward.
	b.AdvanceLocal("node-b", 90)
	b.AdvanceRemote("node-b", 10)
	assert.Equal(t, Position{Local: 100, Remote: 50}, b.Get("node-b"))

	b.AdvanceLocal("node-b", 110)
	assert.Equal(t, Position{Local: 110, Remote: 50}, b.Get("node-b"))
}

func TestBookmarksSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookmarks.json")

	b, err := LoadBookmarks(path)
	require.NoError(t, err)
	b.AdvanceLocal("node-b", 123.456)
	b.AdvanceRemote("node-c", 789.012)
	require.NoError(t, b.Save())

	b2, err := LoadBookmarks(path)
	require.NoError(t, err)
	assert.Equal(t, Position{Local: 123.456}, b2.Get("node-b"))
	assert.Equal(t, Position{Remote: 789.012}, b2.Get("node-c"))
}

func TestBookmarksMissingFile(t *testing.T) {
	b, err := LoadBookmarks(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Position{}, b.Get("anyone"))
}
