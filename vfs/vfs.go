// Package vfs is the boundary to the content-addressed virtual filesystem
// that backs shared folders. The sync engine only ever sees this interface;
// the storage engine behind it is someone else's problem.
package vfs

import (
	"context"
	"errors"
	"time"
)

type ReadPermission string

const (
	ReadPermissionPrivate   ReadPermission = "Private"
	ReadPermissionPublic    ReadPermission = "Public"
	ReadPermissionWhitelist ReadPermission = "Whitelist"
)

type WritePermission string

const (
	WritePermissionPrivate WritePermission = "Private"
	WritePermissionPublic  WritePermission = "Public"
)

var ErrPathNotFound = errors.New("path not found")
var ErrLeafNotFound = errors.New("leaf not found")
var ErrPermissionDenied = errors.New("permission denied")

// a read capability scoped to the requester and provider identities.
// Identities are "node" or "node/profile" strings. The filesystem validates
// the capability again on every call that consumes it.
type Reader struct {
	Requester string
	Path      string
	Provider  string
}

type Writer struct {
	Requester string
	Path      string
	Provider  string
}

type PathPermission struct {
	Path            string
	ReadPermission  ReadPermission
	WritePermission WritePermission
}

// one node of a listed folder. Children is nil for leaves.
type Entry struct {
	Name         string
	Path         string
	IsFolder     bool
	LastModified time.Time
	Children     []*Entry
}

type Filesystem interface {
	// fails with ErrPathNotFound if path does not exist, ErrPermissionDenied
	// if the requester cannot read it.
	NewReader(ctx context.Context, requester string, path string, provider string) (*Reader, error)

	NewWriter(ctx context.Context, requester string, path string, provider string) (*Writer, error)

	// all paths at or below the reader's path whose read permission is one of
	// perms. Order is unspecified.
	FindPathsWithReadPermissions(ctx context.Context, reader *Reader, perms []ReadPermission) ([]PathPermission, error)

	// the folder or leaf entry at the reader's path, with the full child
	// listing for folders.
	RetrieveEntry(ctx context.Context, reader *Reader) (*Entry, error)

	// the content of the leaf at the reader's path.
	// ErrLeafNotFound if the path is a folder or absent.
	RetrieveLeaf(ctx context.Context, reader *Reader) ([]byte, error)

	// current permissions for each of paths, for a requesting identity
	PathPermissions(ctx context.Context, requester string, paths []string) ([]PathPermission, error)

	UpdatePermissionsRecursively(ctx context.Context, writer *Writer, read ReadPermission, write WritePermission) error
}
