package foldercast

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testTree(path string, lastModified time.Time, children ...*EntryTree) *EntryTree {
	name := path
	if i := len(path) - 1; path != "/" {
		for ; 0 <= i && path[i] != '/'; i -= 1 {
		}
		name = path[i+1:]
	}
	tree := &EntryTree{
		Name:         name,
		Path:         path,
		LastModified: lastModified,
	}
	if 0 < len(children) {
		tree.Children = map[string]*EntryTree{}
		for _, child := range children {
			tree.Children[child.Name] = child
		}
	}
	return tree
}

func TestTreeEqual(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	a := testTree("/docs", t0,
		testTree("/docs/a.txt", t0),
		testTree("/docs/b.txt", t1),
	)
	b := testTree("/docs", t0,
		testTree("/docs/b.txt", t1),
		testTree("/docs/a.txt", t0),
	)
	assert.Equal(t, a.Equal(b), true)

	b.Children["b.txt"].LastModified = t0
	assert.Equal(t, a.Equal(b), false)

	c := a.Clone()
	assert.Equal(t, a.Equal(c), true)
	c.Children["a.txt"].Path = "/docs/renamed.txt"
	assert.Equal(t, a.Equal(c), false)
}

func TestCompareTreesEmptySubscriber(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	authoritative := testTree("/docs", t0,
		testTree("/docs/a.txt", t0),
		testTree("/docs/b.txt", t0),
	)

	diff := CompareTrees(NewEmptyTree(), authoritative)
	assert.Equal(t, diff.CollectPaths(), []string{"/docs/a.txt", "/docs/b.txt"})
	assert.Equal(t, diff.FindDeletions(), []string{})
}

func TestCompareTreesIdentical(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	authoritative := testTree("/docs", t0,
		testTree("/docs/a.txt", t0),
		testTree("/docs/sub", t0,
			testTree("/docs/sub/c.txt", t0),
		),
	)

	diff := CompareTrees(authoritative.Clone(), authoritative)
	assert.Equal(t, len(diff.Children), 0)
	assert.Equal(t, diff.CollectPaths(), []string{})
}

func TestCompareTreesChangedLeaf(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	subscriber := testTree("/docs", t0,
		testTree("/docs/a.txt", t0),
		testTree("/docs/b.txt", t0),
	)
	authoritative := testTree("/docs", t1,
		testTree("/docs/a.txt", t0),
		testTree("/docs/b.txt", t1),
	)

	diff := CompareTrees(subscriber, authoritative)
	assert.Equal(t, diff.CollectPaths(), []string{"/docs/b.txt"})
	assert.Equal(t, diff.Children["b.txt"].LastModified, t1)
}

func TestCompareTreesStaleSubtree(t *testing.T) {
	// a folder whose modified time moved pulls in its full subtree
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	subscriber := testTree("/docs", t0,
		testTree("/docs/sub", t0),
	)
	authoritative := testTree("/docs", t1,
		testTree("/docs/sub", t1,
			testTree("/docs/sub/c.txt", t1),
			testTree("/docs/sub/d.txt", t1),
		),
	)

	diff := CompareTrees(subscriber, authoritative)
	assert.Equal(t, diff.CollectPaths(), []string{"/docs/sub", "/docs/sub/c.txt", "/docs/sub/d.txt"})
}

func TestCompareTreesDeletions(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	subscriber := testTree("/docs", t0,
		testTree("/docs/a.txt", t0),
		testTree("/docs/old", t0,
			testTree("/docs/old/x.txt", t0),
			testTree("/docs/old/y.txt", t0),
		),
	)
	authoritative := testTree("/docs", t0,
		testTree("/docs/a.txt", t0),
	)

	diff := CompareTrees(subscriber, authoritative)
	assert.Equal(t, diff.Children["old"].LastModified.IsZero(), true)
	assert.Equal(t, diff.FindDeletions(), []string{"/docs/old/x.txt", "/docs/old/y.txt"})
}

func TestFilterTopLevelPaths(t *testing.T) {
	paths := []string{
		"/docs",
		"/docs/sub",
		"/docs/sub/deep",
		"/media",
		"/media2",
	}
	assert.Equal(t, FilterTopLevelPaths(paths), []string{"/docs", "/media", "/media2"})

	assert.Equal(t, FilterTopLevelPaths([]string{"/", "/docs"}), []string{"/"})
	assert.Equal(t, FilterTopLevelPaths([]string{}), []string{})
}

func TestRemovePathPrefix(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tree := testTree("/shared/docs", t0,
		testTree("/shared/docs/a.txt", t0),
	)
	tree.RemovePathPrefix("/shared/docs")
	assert.Equal(t, tree.Path, "/")
	assert.Equal(t, tree.Children["a.txt"].Path, "/a.txt")
}
