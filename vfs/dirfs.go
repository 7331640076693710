package vfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// filesystem backed by a directory on the local OS filesystem.
// Virtual paths map one to one to paths under the root directory.
// Permissions are kept in memory, same inheritance rules as [MemFs].
// A watcher surfaces edits made outside this process on the Changes
// channel so callers can rescan.
type DirFs struct {
	owner   string
	rootDir string

	ctx    context.Context
	cancel context.CancelFunc

	watcher *fsnotify.Watcher
	changes chan string

	mutex       sync.Mutex
	permissions map[string]PathPermission
	whitelists  map[string]map[string]bool
}

func NewDirFs(ctx context.Context, owner string, rootDir string) (*DirFs, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := watcher.Add(rootDir); err != nil {
		watcher.Close()
		cancel()
		return nil, err
	}
	// watch folders below the root too. fsnotify does not recurse.
	filepath.WalkDir(rootDir, func(osPath string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && osPath != rootDir {
			watcher.Add(osPath)
		}
		return nil
	})

	dirFs := &DirFs{
		owner:       owner,
		rootDir:     rootDir,
		ctx:         cancelCtx,
		cancel:      cancel,
		watcher:     watcher,
		changes:     make(chan string, 64),
		permissions: map[string]PathPermission{},
		whitelists:  map[string]map[string]bool{},
	}
	go dirFs.watch()
	return dirFs, nil
}

// Changes emits virtual paths whose content may have changed on disk.
// Events are dropped if the channel is full.
func (self *DirFs) Changes() <-chan string {
	return self.changes
}

func (self *DirFs) Close() {
	self.cancel()
	self.watcher.Close()
}

func (self *DirFs) watch() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					self.watcher.Add(event.Name)
				}
			}
			select {
			case self.changes <- self.virtualPath(event.Name):
			default:
				// slow consumer. The next rescan covers it.
			}
		case err, ok := <-self.watcher.Errors:
			if !ok {
				return
			}
			glog.Infof("[dirfs]watch error = %s\n", err)
		}
	}
}

func (self *DirFs) osPath(path string) string {
	return filepath.Join(self.rootDir, filepath.FromSlash(strings.TrimPrefix(normalizePath(path), "/")))
}

func (self *DirFs) virtualPath(osPath string) string {
	rel, err := filepath.Rel(self.rootDir, osPath)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func (self *DirFs) SetPermission(path string, read ReadPermission, write WritePermission) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.permissions[normalizePath(path)] = PathPermission{
		Path:            normalizePath(path),
		ReadPermission:  read,
		WritePermission: write,
	}
}

func (self *DirFs) AddToWhitelist(path string, identity string) {
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

func (self *DirFs) effectivePermission(path string) PathPermission {
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

func (self *DirFs) canRead(requester string, path string) bool {
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

func (self *DirFs) NewReader(ctx context.Context, requester string, path string, provider string) (*Reader, error) {
	if _, err := os.Stat(self.osPath(path)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	self.mutex.Lock()
	allowed := self.canRead(requester, path)
	self.mutex.Unlock()
	if !allowed {
		return nil, fmt.Errorf("%w: %s cannot read %s", ErrPermissionDenied, requester, path)
	}
	return &Reader{
		Requester: requester,
		Path:      normalizePath(path),
		Provider:  provider,
	}, nil
}

func (self *DirFs) NewWriter(ctx context.Context, requester string, path string, provider string) (*Writer, error) {
	if nodeName(requester) != nodeName(self.owner) {
		return nil, fmt.Errorf("%w: %s cannot write %s", ErrPermissionDenied, requester, path)
	}
	return &Writer{
		Requester: requester,
		Path:      normalizePath(path),
		Provider:  provider,
	}, nil
}

func (self *DirFs) FindPathsWithReadPermissions(ctx context.Context, reader *Reader, perms []ReadPermission) ([]PathPermission, error) {
	rootOsPath := self.osPath(reader.Path)
	if _, err := os.Stat(rootOsPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, reader.Path)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := []PathPermission{}
	err := filepath.WalkDir(rootOsPath, func(osPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		permission := self.effectivePermission(self.virtualPath(osPath))
		if slices.Contains(perms, permission.ReadPermission) {
			out = append(out, permission)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (self *DirFs) RetrieveEntry(ctx context.Context, reader *Reader) (*Entry, error) {
	osPath := self.osPath(reader.Path)
	info, err := os.Stat(osPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, reader.Path)
	}
	return self.entry(osPath, reader.Path, info)
}

func (self *DirFs) entry(osPath string, path string, info fs.FileInfo) (*Entry, error) {
	name := info.Name()
	if path == "/" {
		name = "/"
	}
	entry := &Entry{
		Name:         name,
		Path:         path,
		IsFolder:     info.IsDir(),
		LastModified: info.ModTime().UTC().Truncate(time.Second),
	}
	if info.IsDir() {
		dirEntries, err := os.ReadDir(osPath)
		if err != nil {
			return nil, err
		}
		for _, dirEntry := range dirEntries {
			childInfo, err := dirEntry.Info()
			if err != nil {
				continue
			}
			childPath := path + "/" + dirEntry.Name()
			if path == "/" {
				childPath = "/" + dirEntry.Name()
			}
			child, err := self.entry(filepath.Join(osPath, dirEntry.Name()), childPath, childInfo)
			if err != nil {
				return nil, err
			}
			entry.Children = append(entry.Children, child)
		}
	}
	return entry, nil
}

func (self *DirFs) RetrieveLeaf(ctx context.Context, reader *Reader) ([]byte, error) {
	osPath := self.osPath(reader.Path)
	info, err := os.Stat(osPath)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, reader.Path)
	}
	return os.ReadFile(osPath)
}

func (self *DirFs) PathPermissions(ctx context.Context, requester string, paths []string) ([]PathPermission, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]PathPermission, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(self.osPath(path)); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		out = append(out, self.effectivePermission(path))
	}
	return out, nil
}

func (self *DirFs) UpdatePermissionsRecursively(ctx context.Context, writer *Writer, read ReadPermission, write WritePermission) error {
	rootOsPath := self.osPath(writer.Path)
	if _, err := os.Stat(rootOsPath); err != nil {
		return fmt.Errorf("%w: %s", ErrPathNotFound, writer.Path)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	return filepath.WalkDir(rootOsPath, func(osPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		path := self.virtualPath(osPath)
		self.permissions[path] = PathPermission{
			Path:            path,
			ReadPermission:  read,
			WritePermission: write,
		}
		return nil
	})
}
