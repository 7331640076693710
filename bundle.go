package foldercast

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// A bundle is a single tar stream carrying every changed entry of one
// sync pass: leaf contents, empty-folder placeholders for entries whose
// content could not be read, and a manifest written as the final tar
// entry when the bundle is sealed. The subscriber applies deletions from
// the manifest, then unpacks the entries.

const bundleManifestName = ".manifest.json"
const bundleLeafPrefix = "leaf"
const bundleFolderPrefix = "folder"

type BundleManifest struct {
	BundleId       Id             `json:"bundle_id"`
	SubscriptionId SubscriptionId `json:"subscription_id"`
	FolderPath     string         `json:"folder_path"`
	Version        uint64         `json:"version"`
	Entries        []BundleEntry  `json:"entries"`
	Deletions      []string       `json:"deletions,omitempty"`
}

type BundleEntry struct {
	Path         string    `json:"path"`
	Folder       bool      `json:"folder,omitempty"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size,omitempty"`
}

// BundleWriter assembles a bundle incrementally. Entries stream into
// the tar as they are added; Seal appends the manifest and finishes the
// stream. A sealed writer cannot be added to.
type BundleWriter struct {
	manifest BundleManifest

	buf       bytes.Buffer
	tarWriter *tar.Writer
	sealed    bool
}

func NewBundleWriter(subscriptionId SubscriptionId, folderPath string, version uint64) *BundleWriter {
	bundleWriter := &BundleWriter{
		manifest: BundleManifest{
			BundleId:       NewId(),
			SubscriptionId: subscriptionId,
			FolderPath:     folderPath,
			Version:        version,
			Entries:        []BundleEntry{},
		},
	}
	bundleWriter.tarWriter = tar.NewWriter(&bundleWriter.buf)
	return bundleWriter
}

func bundleEntryName(prefix string, path string) string {
	return prefix + "/" + strings.TrimPrefix(path, "/")
}

func (self *BundleWriter) AddLeaf(path string, lastModified time.Time, content []byte) error {
	if self.sealed {
		panic("add to a sealed bundle")
	}
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     bundleEntryName(bundleLeafPrefix, path),
		Mode:     0644,
		Size:     int64(len(content)),
		ModTime:  lastModified,
	}
	if err := self.tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := self.tarWriter.Write(content); err != nil {
		return err
	}
	self.manifest.Entries = append(self.manifest.Entries, BundleEntry{
		Path:         path,
		LastModified: lastModified,
		Size:         int64(len(content)),
	})
	return nil
}

// AddFolderPlaceholder records a path whose content could not be read,
// so the subscriber can still reconcile the directory structure.
func (self *BundleWriter) AddFolderPlaceholder(path string, lastModified time.Time) error {
	if self.sealed {
		panic("add to a sealed bundle")
	}
	header := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     bundleEntryName(bundleFolderPrefix, path) + "/",
		Mode:     0755,
		ModTime:  lastModified,
	}
	if err := self.tarWriter.WriteHeader(header); err != nil {
		return err
	}
	self.manifest.Entries = append(self.manifest.Entries, BundleEntry{
		Path:         path,
		Folder:       true,
		LastModified: lastModified,
	})
	return nil
}

func (self *BundleWriter) SetDeletions(paths []string) {
	self.manifest.Deletions = paths
}

func (self *BundleWriter) EntryCount() int {
	return len(self.manifest.Entries)
}

// Seal writes the manifest as the final tar entry and returns the
// finished bundle bytes.
func (self *BundleWriter) Seal() ([]byte, error) {
	if self.sealed {
		panic("seal a sealed bundle")
	}
	self.sealed = true

	manifestJson, err := json.Marshal(self.manifest)
	if err != nil {
		return nil, err
	}
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     bundleManifestName,
		Mode:     0644,
		Size:     int64(len(manifestJson)),
		ModTime:  time.Now().UTC(),
	}
	if err := self.tarWriter.WriteHeader(header); err != nil {
		return nil, err
	}
	if _, err := self.tarWriter.Write(manifestJson); err != nil {
		return nil, err
	}
	if err := self.tarWriter.Close(); err != nil {
		return nil, err
	}
	return self.buf.Bytes(), nil
}

// Bundle is an unpacked bundle on the subscriber side.
type Bundle struct {
	Manifest BundleManifest
	// leaf path -> content
	Leaves map[string][]byte
	// placeholder folder paths
	Folders []string
}

func OpenBundle(data []byte) (*Bundle, error) {
	bundle := &Bundle{
		Leaves:  map[string][]byte{},
		Folders: []string{},
	}
	haveManifest := false

	tarReader := tar.NewReader(bytes.NewReader(data))
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed bundle: %s", ErrInvalidRequest, err)
		}
		switch {
		case header.Name == bundleManifestName:
			if err := json.NewDecoder(tarReader).Decode(&bundle.Manifest); err != nil {
				return nil, fmt.Errorf("%w: malformed bundle manifest: %s", ErrInvalidRequest, err)
			}
			haveManifest = true
		case strings.HasPrefix(header.Name, bundleLeafPrefix+"/"):
			content, err := io.ReadAll(tarReader)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed bundle leaf: %s", ErrInvalidRequest, err)
			}
			path := "/" + strings.TrimPrefix(header.Name, bundleLeafPrefix+"/")
			bundle.Leaves[path] = content
		case strings.HasPrefix(header.Name, bundleFolderPrefix+"/"):
			path := "/" + strings.Trim(strings.TrimPrefix(header.Name, bundleFolderPrefix+"/"), "/")
			bundle.Folders = append(bundle.Folders, path)
		}
	}
	if !haveManifest {
		return nil, fmt.Errorf("%w: bundle missing manifest", ErrInvalidRequest)
	}
	return bundle, nil
}
