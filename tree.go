package foldercast

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// EntryTree is a snapshot of a folder as a recursive named tree.
// Child order never matters. Equality is structural.
// A zero LastModified in a diff marks the node as deleted on the
// authoritative side.
type EntryTree struct {
	Name         string                `json:"name"`
	Path         string                `json:"path"`
	LastModified time.Time             `json:"last_modified"`
	Children     map[string]*EntryTree `json:"children,omitempty"`
}

func NewEmptyTree() *EntryTree {
	return &EntryTree{
		Name: "/",
		Path: "/",
	}
}

func (self *EntryTree) IsEmpty() bool {
	return len(self.Children) == 0 && self.LastModified.IsZero()
}

func (self *EntryTree) Equal(other *EntryTree) bool {
	if self == nil || other == nil {
		return self == other
	}
	if self.Name != other.Name || self.Path != other.Path || !self.LastModified.Equal(other.LastModified) {
		return false
	}
	if len(self.Children) != len(other.Children) {
		return false
	}
	for name, child := range self.Children {
		otherChild, ok := other.Children[name]
		if !ok || !child.Equal(otherChild) {
			return false
		}
	}
	return true
}

func (self *EntryTree) Clone() *EntryTree {
	if self == nil {
		return nil
	}
	out := &EntryTree{
		Name:         self.Name,
		Path:         self.Path,
		LastModified: self.LastModified,
	}
	if self.Children != nil {
		out.Children = map[string]*EntryTree{}
		for name, child := range self.Children {
			out.Children[name] = child.Clone()
		}
	}
	return out
}

// CollectPaths lists every path in the tree except the root, in
// lexicographic order.
func (self *EntryTree) CollectPaths() []string {
	paths := []string{}
	var walk func(tree *EntryTree)
	walk = func(tree *EntryTree) {
		for _, child := range tree.Children {
			paths = append(paths, child.Path)
			walk(child)
		}
	}
	walk(self)
	slices.Sort(paths)
	return paths
}

func (self *EntryTree) String() string {
	lines := []string{}
	var walk func(tree *EntryTree, depth int)
	walk = func(tree *EntryTree, depth int) {
		lines = append(lines, fmt.Sprintf(
			"%s%s (%s)",
			strings.Repeat("  ", depth),
			tree.Name,
			tree.LastModified.Format(time.RFC3339),
		))
		childNames := maps.Keys(tree.Children)
		slices.Sort(childNames)
		for _, name := range childNames {
			walk(tree.Children[name], depth+1)
		}
	}
	walk(self, 0)
	return strings.Join(lines, "\n")
}

// treeFromEntry converts a filesystem listing to a tree snapshot.
func treeFromEntry(name string, path string, lastModified time.Time, children []*EntryTree) *EntryTree {
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

// CompareTrees diffs the subscriber's reported tree against the
// authoritative tree and returns the tree of differences:
//   - a child only on the authoritative side is included whole
//   - a child on both sides is recursed into, and included when the
//     recursion found differences or the modified times differ. A
//     modified-time difference pulls in the full authoritative subtree
//     since the subscriber's copy of the content is stale.
//   - a child only on the subscriber's side is marked deleted, with a
//     zero modified time, recursively.
//
// A diff with no children and matching root times means in sync.
func CompareTrees(subscriberTree *EntryTree, authoritativeTree *EntryTree) *EntryTree {
	diff := &EntryTree{
		Name:         authoritativeTree.Name,
		Path:         authoritativeTree.Path,
		LastModified: authoritativeTree.LastModified,
	}

	for name, authoritativeChild := range authoritativeTree.Children {
		subscriberChild, ok := subscriberTree.Children[name]
		if !ok {
			if diff.Children == nil {
				diff.Children = map[string]*EntryTree{}
			}
			diff.Children[name] = authoritativeChild.Clone()
			continue
		}
		childDiff := CompareTrees(subscriberChild, authoritativeChild)
		if 0 < len(childDiff.Children) {
			if diff.Children == nil {
				diff.Children = map[string]*EntryTree{}
			}
			diff.Children[name] = childDiff
		} else if !subscriberChild.LastModified.Equal(authoritativeChild.LastModified) {
			if diff.Children == nil {
				diff.Children = map[string]*EntryTree{}
			}
			diff.Children[name] = authoritativeChild.Clone()
		}
	}

	for name, subscriberChild := range subscriberTree.Children {
		if _, ok := authoritativeTree.Children[name]; !ok {
			if diff.Children == nil {
				diff.Children = map[string]*EntryTree{}
			}
			diff.Children[name] = markDeleted(subscriberChild)
		}
	}

	return diff
}

func markDeleted(tree *EntryTree) *EntryTree {
	out := &EntryTree{
		Name: tree.Name,
		Path: tree.Path,
	}
	if 0 < len(tree.Children) {
		out.Children = map[string]*EntryTree{}
		for name, child := range tree.Children {
			out.Children[name] = markDeleted(child)
		}
	}
	return out
}

// CollectChangedNodes lists the non-root nodes of a diff that carry a
// change, skipping deletion-marked subtrees. Ordered by path.
func (self *EntryTree) CollectChangedNodes() []*EntryTree {
	nodes := []*EntryTree{}
	var walk func(tree *EntryTree)
	walk = func(tree *EntryTree) {
		for _, child := range tree.Children {
			if child.LastModified.IsZero() {
				continue
			}
			nodes = append(nodes, child)
			walk(child)
		}
	}
	walk(self)
	slices.SortFunc(nodes, func(a *EntryTree, b *EntryTree) int {
		return strings.Compare(a.Path, b.Path)
	})
	return nodes
}

// FindDeletions collects the leaf-most deleted paths in a diff, where
// deleted means a zero modified time. An interior node marked deleted
// is reported via its leaves since removing the leaves empties it.
func (self *EntryTree) FindDeletions() []string {
	paths := []string{}
	var walk func(tree *EntryTree)
	walk = func(tree *EntryTree) {
		if len(tree.Children) == 0 {
			if tree.LastModified.IsZero() && tree.Path != "/" {
				paths = append(paths, tree.Path)
			}
			return
		}
		for _, child := range tree.Children {
			walk(child)
		}
	}
	walk(self)
	slices.Sort(paths)
	return paths
}

// FilterTopLevelPaths reduces a set of paths to the ones with no
// ancestor also in the set, so overlapping shares collapse to the top
// ancestor.
func FilterTopLevelPaths(paths []string) []string {
	out := []string{}
	for _, path := range paths {
		top := true
		for _, other := range paths {
			if other != path && isPathPrefix(other, path) {
				top = false
				break
			}
		}
		if top {
			out = append(out, path)
		}
	}
	slices.Sort(out)
	return out
}

func isPathPrefix(prefix string, path string) bool {
	if prefix == "/" {
		return path != "/"
	}
	return strings.HasPrefix(path, prefix+"/")
}

// RemovePathPrefix rewrites every path in the tree with prefix removed,
// so a subscriber can mount the folder at its own root.
func (self *EntryTree) RemovePathPrefix(prefix string) {
	trimmed := strings.TrimPrefix(self.Path, prefix)
	if trimmed == "" {
		trimmed = "/"
	}
	self.Path = trimmed
	for _, child := range self.Children {
		child.RemovePathPrefix(prefix)
	}
}
