package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqSplitIDs() func() SplitID {
	var n SplitID
	return func() SplitID { n++; return n }
}

func TestInsertFirstPaneBecomesRoot(t *testing.T) {
	tab := &Tab{}
	p := NewPane(1)
	tab.Insert(nil, Horizontal, p, seqSplitIDs())
	assert.Same(t, p, tab.Root)
	assert.Same(t, p, tab.Focus)
	assert.False(t, tab.Root.IsSplit())
}

func TestInsertSplitsSameDirection(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)
	p2 := NewPane(2)
	tab.Insert(p1, Horizontal, p2, next)

	require.True(t, tab.Root.IsSplit())
	assert.Len(t, tab.Root.Children, 2)
	assert.Same(t, p2, tab.Focus)
}

func TestInsertWrapsWhenDirectionDiffers(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)
	p2 := NewPane(2)
	tab.Insert(p1, Horizontal, p2, next)
	// Root is now a horizontal split of [p1, p2]; split p1 vertically.
	p3 := NewPane(3)
	tab.Insert(p1, Vertical, p3, next)

	root := tab.Root
	require.True(t, root.IsSplit())
	assert.Equal(t, Horizontal, root.Dir)
	assert.Len(t, root.Children, 2)

	wrapped := root.Children[0]
	require.True(t, wrapped.IsSplit())
	assert.Equal(t, Vertical, wrapped.Dir)
	assert.Len(t, wrapped.Children, 2)
	assert.Same(t, p1, wrapped.Children[0])
	assert.Same(t, p3, wrapped.Children[1])
}

func TestRemoveTwoSiblingsPromotesSurvivor(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)
	p2 := NewPane(2)
	tab.Insert(p1, Horizontal, p2, next)
	require.True(t, tab.Root.IsSplit())

	tab.Remove(p2)
	assert.Same(t, p1, tab.Root)
	assert.Nil(t, p1.parent)
}

func TestRemoveThreeSiblingsKeepsOthers(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)
	p2 := NewPane(2)
	tab.Insert(p1, Horizontal, p2, next)
	p3 := NewPane(3)
	tab.Insert(p2, Horizontal, p3, next)

	tab.Remove(p2)
	require.True(t, tab.Root.IsSplit())
	assert.Len(t, tab.Root.Children, 2)
	assert.Same(t, p1, tab.Root.Children[0])
	assert.Same(t, p3, tab.Root.Children[1])
}

func TestRemoveLastPaneEmptiesTab(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)

	got := tab.Remove(p1)
	assert.Nil(t, got)
	assert.Nil(t, tab.Root)
	assert.Nil(t, tab.Focus)
}

func TestFocusWalksToRightSiblingFirstLeaf(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)
	p2 := NewPane(2)
	tab.Insert(p1, Horizontal, p2, next)
	p3 := NewPane(3)
	tab.Insert(p2, Horizontal, p3, next)
	tab.Focus = p1

	tab.Remove(p1)
	assert.Same(t, p2, tab.Focus)
}

func TestFocusWalksToLeftSiblingWhenNoRight(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)
	p2 := NewPane(2)
	tab.Insert(p1, Horizontal, p2, next)
	p3 := NewPane(3)
	tab.Insert(p2, Horizontal, p3, next)
	tab.Focus = p3

	tab.Remove(p3)
	assert.Same(t, p2, tab.Focus)
}

func TestResizeClampsToBounds(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)
	p2 := NewPane(2)
	tab.Insert(p1, Horizontal, p2, next)

	err := Resize(tab.Root, 0, 0.99)
	require.NoError(t, err)
	assert.Equal(t, maxRatio, tab.Root.Children[0].Ratio)

	err = Resize(tab.Root, 0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, minRatio, tab.Root.Children[0].Ratio)
}

func TestResizePreservesSiblingSum(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)
	p2 := NewPane(2)
	tab.Insert(p1, Horizontal, p2, next)

	require.NoError(t, Resize(tab.Root, 0, 0.7))
	sum := tab.Root.Children[0].Ratio + tab.Root.Children[1].Ratio
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestResizeUnknownSplitIndexErrors(t *testing.T) {
	tab := &Tab{}
	next := seqSplitIDs()
	p1 := NewPane(1)
	tab.Insert(nil, Horizontal, p1, next)
	p2 := NewPane(2)
	tab.Insert(p1, Horizontal, p2, next)

	err := Resize(tab.Root, 7, 0.5)
	assert.Error(t, err)
}
