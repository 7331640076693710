package vfs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemFsReadWrite(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fs := NewMemFs("@@owner.foldercast")
	fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	fs.WriteLeaf("/docs/sub/b.txt", []byte("beta"), t0.Add(time.Hour))

	reader, err := fs.NewReader(ctx, "@@owner.foldercast/main", "/docs", "@@owner.foldercast")
	assert.Equal(t, err, nil)

	entry, err := fs.RetrieveEntry(ctx, reader)
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.IsFolder, true)
	assert.Equal(t, len(entry.Children), 2)
	// folder modified time follows the newest write below it
	assert.Equal(t, entry.LastModified, t0.Add(time.Hour))

	leafReader, err := fs.NewReader(ctx, "@@owner.foldercast/main", "/docs/a.txt", "@@owner.foldercast")
	assert.Equal(t, err, nil)
	content, err := fs.RetrieveLeaf(ctx, leafReader)
	assert.Equal(t, err, nil)
	assert.Equal(t, content, []byte("alpha"))

	// a folder has no leaf content
	_, err = fs.RetrieveLeaf(ctx, reader)
	assert.Equal(t, errors.Is(err, ErrLeafNotFound), true)

	_, err = fs.NewReader(ctx, "@@owner.foldercast/main", "/missing", "@@owner.foldercast")
	assert.Equal(t, errors.Is(err, ErrPathNotFound), true)
}

func TestMemFsPermissions(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fs := NewMemFs("@@owner.foldercast")
	fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	fs.WriteLeaf("/private/secret.txt", []byte("secret"), t0)

	// default private to strangers, always readable by the owner
	_, err := fs.NewReader(ctx, "@@stranger.foldercast/main", "/docs", "@@owner.foldercast")
	assert.Equal(t, errors.Is(err, ErrPermissionDenied), true)
	_, err = fs.NewReader(ctx, "@@owner.foldercast/main", "/private", "@@owner.foldercast")
	assert.Equal(t, err, nil)

	fs.SetPermission("/docs", ReadPermissionPublic, WritePermissionPrivate)
	_, err = fs.NewReader(ctx, "@@stranger.foldercast/main", "/docs", "@@owner.foldercast")
	assert.Equal(t, err, nil)
	// children inherit from the nearest explicit ancestor
	_, err = fs.NewReader(ctx, "@@stranger.foldercast/main", "/docs/a.txt", "@@owner.foldercast")
	assert.Equal(t, err, nil)
	_, err = fs.NewReader(ctx, "@@stranger.foldercast/main", "/private", "@@owner.foldercast")
	assert.Equal(t, errors.Is(err, ErrPermissionDenied), true)

	fs.SetPermission("/private", ReadPermissionWhitelist, WritePermissionPrivate)
	fs.AddToWhitelist("/private", "@@friend.foldercast/main")
	_, err = fs.NewReader(ctx, "@@friend.foldercast/main", "/private/secret.txt", "@@owner.foldercast")
	assert.Equal(t, err, nil)
	_, err = fs.NewReader(ctx, "@@stranger.foldercast/main", "/private/secret.txt", "@@owner.foldercast")
	assert.Equal(t, errors.Is(err, ErrPermissionDenied), true)

	// only the owner can write
	_, err = fs.NewWriter(ctx, "@@stranger.foldercast/main", "/docs", "@@owner.foldercast")
	assert.Equal(t, errors.Is(err, ErrPermissionDenied), true)
}

func TestMemFsFindPathsWithReadPermissions(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fs := NewMemFs("@@owner.foldercast")
	fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	fs.WriteLeaf("/media/clip.bin", []byte{0x01}, t0)
	fs.SetPermission("/docs", ReadPermissionPublic, WritePermissionPrivate)

	reader, err := fs.NewReader(ctx, "@@owner.foldercast/main", "/", "@@owner.foldercast")
	assert.Equal(t, err, nil)

	permissions, err := fs.FindPathsWithReadPermissions(ctx, reader, []ReadPermission{ReadPermissionPublic})
	assert.Equal(t, err, nil)

	paths := []string{}
	for _, permission := range permissions {
		assert.Equal(t, permission.ReadPermission, ReadPermissionPublic)
		paths = append(paths, permission.Path)
	}
	assert.Equal(t, paths, []string{"/docs", "/docs/a.txt"})
}

func TestMemFsUpdatePermissionsRecursively(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fs := NewMemFs("@@owner.foldercast")
	fs.WriteLeaf("/docs/a.txt", []byte("alpha"), t0)
	fs.WriteLeaf("/docs/sub/b.txt", []byte("beta"), t0)

	writer, err := fs.NewWriter(ctx, "@@owner.foldercast/main", "/docs", "@@owner.foldercast")
	assert.Equal(t, err, nil)
	assert.Equal(t, fs.UpdatePermissionsRecursively(ctx, writer, ReadPermissionPublic, WritePermissionPrivate), nil)

	permissions, err := fs.PathPermissions(ctx, "@@stranger.foldercast/main", []string{"/docs", "/docs/sub/b.txt"})
	assert.Equal(t, err, nil)
	assert.Equal(t, permissions[0].ReadPermission, ReadPermissionPublic)
	assert.Equal(t, permissions[1].ReadPermission, ReadPermissionPublic)

	// and back to private on unshare
	assert.Equal(t, fs.UpdatePermissionsRecursively(ctx, writer, ReadPermissionPrivate, WritePermissionPrivate), nil)
	_, err = fs.NewReader(ctx, "@@stranger.foldercast/main", "/docs", "@@owner.foldercast")
	assert.Equal(t, errors.Is(err, ErrPermissionDenied), true)

	fs.RemoveLeaf("/docs/sub")
	_, err = fs.NewReader(ctx, "@@owner.foldercast/main", "/docs/sub/b.txt", "@@owner.foldercast")
	assert.Equal(t, errors.Is(err, ErrPathNotFound), true)
}
