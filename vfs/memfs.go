package vfs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// in-memory filesystem. The owner identity can always read and write.
// Other identities see paths according to the per-path permissions,
// where a path without an explicit permission inherits from its
// nearest ancestor that has one (default private).
type MemFs struct {
	owner string

	mutex sync.Mutex
	root  *memNode
	// path -> explicit permission
	permissions map[string]PathPermission
	// path -> identities allowed when the read permission is whitelist
	whitelists map[string]map[string]bool
}

func NewMemFs(owner string) *MemFs {
	return &MemFs{
		owner: owner,
		root: &memNode{
			name:     "/",
			isFolder: true,
			children: map[string]*memNode{},
		},
		permissions: map[string]PathPermission{},
		whitelists:  map[string]map[string]bool{},
	}
}

type memNode struct {
	name         string
	isFolder     bool
	lastModified time.Time
	content      []byte
	children     map[string]*memNode
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return []string{}
	}
	return strings.Split(trimmed, "/")
}

// WriteLeaf creates or replaces the leaf at path, creating parent folders
// as needed. Parent folder modified times are bumped to modified if newer.
func (self *MemFs) WriteLeaf(path string, content []byte, modified time.Time) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	parts := splitPath(path)
	if len(parts) == 0 {
		panic("cannot write a leaf at the root")
	}
	node := self.root
	if node.lastModified.Before(modified) {
		node.lastModified = modified
	}
	for _, part := range parts[:len(parts)-1] {
		child, ok := node.children[part]
		if !ok {
			child = &memNode{
				name:     part,
				isFolder: true,
				children: map[string]*memNode{},
			}
			node.children[part] = child
		}
		if !child.isFolder {
			panic(fmt.Sprintf("leaf in the middle of path %s", path))
		}
		if child.lastModified.Before(modified) {
			child.lastModified = modified
		}
		node = child
	}
	leafName := parts[len(parts)-1]
	node.children[leafName] = &memNode{
		name:         leafName,
		lastModified: modified,
		content:      slices.Clone(content),
	}
}

// RemoveLeaf removes the leaf or folder subtree at path.
func (self *MemFs) RemoveLeaf(path string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	node := self.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node.children[part]
		if !ok {
			return
		}
		node = child
	}
	delete(node.children, parts[len(parts)-1])
}

func (self *MemFs) SetPermission(path string, read ReadPermission, write WritePermission) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.permissions[normalizePath(path)] = PathPermission{
		Path:            normalizePath(path),
		ReadPermission:  read,
		WritePermission: write,
	}
}

func (self *MemFs) AddToWhitelist(path string, identity string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	path = normalizePath(path)
	whitelist, ok := self.whitelists[path]
	if !ok {
		whitelist = map[string]bool{}
		self.whitelists[path] = whitelist
	}
	whitelist[identity] = true
}

func normalizePath(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

func (self *MemFs) node(path string) *memNode {
	node := self.root
	for _, part := range splitPath(path) {
		child, ok := node.children[part]
		if !ok {
			return nil
		}
		node = child
	}
	return node
}

// effective permission for path, walking up to the nearest explicit entry
func (self *MemFs) effectivePermission(path string) PathPermission {
	parts := splitPath(path)
	for i := len(parts); 0 <= i; i -= 1 {
		candidate := "/" + strings.Join(parts[:i], "/")
		if i == 0 {
			candidate = "/"
		}
		if permission, ok := self.permissions[candidate]; ok {
			return PathPermission{
				Path:            normalizePath(path),
				ReadPermission:  permission.ReadPermission,
				WritePermission: permission.WritePermission,
			}
		}
	}
	return PathPermission{
		Path:            normalizePath(path),
		ReadPermission:  ReadPermissionPrivate,
		WritePermission: WritePermissionPrivate,
	}
}

func nodeName(identity string) string {
	if i := strings.Index(identity, "/"); 0 <= i {
		return identity[:i]
	}
	return identity
}

func (self *MemFs) canRead(requester string, path string) bool {
	if nodeName(requester) == nodeName(self.owner) {
		return true
	}
	permission := self.effectivePermission(path)
	switch permission.ReadPermission {
	case ReadPermissionPublic:
		return true
	case ReadPermissionWhitelist:
		parts := splitPath(path)
		for i := len(parts); 0 <= i; i -= 1 {
			candidate := "/" + strings.Join(parts[:i], "/")
			if i == 0 {
				candidate = "/"
			}
			if whitelist, ok := self.whitelists[candidate]; ok {
				if whitelist[requester] || whitelist[nodeName(requester)] {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func (self *MemFs) NewReader(ctx context.Context, requester string, path string, provider string) (*Reader, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.node(path) == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	if !self.canRead(requester, path) {
		return nil, fmt.Errorf("%w: %s cannot read %s", ErrPermissionDenied, requester, path)
	}
	return &Reader{
		Requester: requester,
		Path:      normalizePath(path),
		Provider:  provider,
	}, nil
}

func (self *MemFs) NewWriter(ctx context.Context, requester string, path string, provider string) (*Writer, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if nodeName(requester) != nodeName(self.owner) {
		return nil, fmt.Errorf("%w: %s cannot write %s", ErrPermissionDenied, requester, path)
	}
	return &Writer{
		Requester: requester,
		Path:      normalizePath(path),
		Provider:  provider,
	}, nil
}

func (self *MemFs) FindPathsWithReadPermissions(ctx context.Context, reader *Reader, perms []ReadPermission) ([]PathPermission, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node := self.node(reader.Path)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, reader.Path)
	}

	out := []PathPermission{}
	var walk func(node *memNode, path string)
	walk = func(node *memNode, path string) {
		permission := self.effectivePermission(path)
		if slices.Contains(perms, permission.ReadPermission) {
			out = append(out, permission)
		}
		childNames := maps.Keys(node.children)
		slices.Sort(childNames)
		for _, name := range childNames {
			childPath := path + "/" + name
			if path == "/" {
				childPath = "/" + name
			}
			walk(node.children[name], childPath)
		}
	}
	walk(node, reader.Path)
	return out, nil
}

func (self *MemFs) RetrieveEntry(ctx context.Context, reader *Reader) (*Entry, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node := self.node(reader.Path)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, reader.Path)
	}
	return self.entry(node, reader.Path), nil
}

func (self *MemFs) entry(node *memNode, path string) *Entry {
	entry := &Entry{
		Name:         node.name,
		Path:         path,
		IsFolder:     node.isFolder,
		LastModified: node.lastModified,
	}
	if node.isFolder {
		childNames := maps.Keys(node.children)
		slices.Sort(childNames)
		for _, name := range childNames {
			childPath := path + "/" + name
			if path == "/" {
				childPath = "/" + name
			}
			entry.Children = append(entry.Children, self.entry(node.children[name], childPath))
		}
	}
	return entry
}

func (self *MemFs) RetrieveLeaf(ctx context.Context, reader *Reader) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node := self.node(reader.Path)
	if node == nil || node.isFolder {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, reader.Path)
	}
	return slices.Clone(node.content), nil
}

func (self *MemFs) PathPermissions(ctx context.Context, requester string, paths []string) ([]PathPermission, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]PathPermission, 0, len(paths))
	for _, path := range paths {
		if self.node(path) == nil {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		out = append(out, self.effectivePermission(path))
	}
	return out, nil
}

func (self *MemFs) UpdatePermissionsRecursively(ctx context.Context, writer *Writer, read ReadPermission, write WritePermission) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node := self.node(writer.Path)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrPathNotFound, writer.Path)
	}

	var walk func(node *memNode, path string)
	walk = func(node *memNode, path string) {
		self.permissions[path] = PathPermission{
			Path:            path,
			ReadPermission:  read,
			WritePermission: write,
		}
		for name, child := range node.children {
			childPath := path + "/" + name
			if path == "/" {
				childPath = "/" + name
			}
			walk(child, childPath)
		}
	}
	walk(node, normalizePath(writer.Path))
	return nil
}
