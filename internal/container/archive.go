package container

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/larsgrefer/classgraph/internal/recycle"
)

// Handle gives access to a container's entries by relative path.
// Archive handles wrap an open zip reader and must not be shared across
// goroutines; they are pooled per container. Directory handles are
// stateless.
type Handle interface {
	Open(rel string) (io.ReadCloser, error)
}

type dirHandle struct {
	fsys billy.Filesystem
	root string
}

func (h *dirHandle) Open(rel string) (io.ReadCloser, error) {
	return h.fsys.Open(filepath.Join(filepath.FromSlash(h.root), filepath.FromSlash(rel)))
}

// zipHandle holds one open archive reader plus an entry index. The
// underlying file stays open for the handle's lifetime.
type zipHandle struct {
	file    billy.File
	reader  *zip.Reader
	entries map[string]*zip.File
}

func (h *zipHandle) Open(rel string) (io.ReadCloser, error) {
	f, ok := h.entries[rel]
	if !ok {
		return nil, fmt.Errorf("archive entry %q: %w", rel, fs.ErrNotExist)
	}
	return f.Open()
}

func (h *zipHandle) close() {
	_ = h.file.Close()
}

// openArchive opens the zip archive at p through fsys. billy.File is an
// io.ReaderAt, so this works for osfs and memfs alike.
func openArchive(fsys billy.Filesystem, p string) (*zipHandle, error) {
	fi, err := fsys.Stat(filepath.FromSlash(p))
	if err != nil {
		return nil, fmt.Errorf("stat archive %s: %w", p, err)
	}
	f, err := fsys.Open(filepath.FromSlash(p))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", p, err)
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read archive %s: %w", p, err)
	}
	entries := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		if strings.HasSuffix(zf.Name, "/") {
			continue
		}
		entries[zf.Name] = zf
	}
	return &zipHandle{file: f, reader: zr, entries: entries}, nil
}

// initPool lazily creates the archive handle pool.
func (c *Container) initPool() {
	c.poolOnce.Do(func() {
		c.pool = recycle.New(
			func() (Handle, error) {
				return openArchive(c.fsys, c.archivePath)
			},
			func(h Handle) {
				if zh, ok := h.(*zipHandle); ok {
					zh.close()
				}
			},
		)
	})
}

// AcquireHandle returns a handle for reading this container's entries.
// Archive handles come from the per-container pool and must be returned
// via ReleaseHandle in a deferred cleanup; directory handles are cheap
// and stateless.
func (c *Container) AcquireHandle() (Handle, error) {
	if c.Kind == KindArchive {
		c.initPool()
		return c.pool.Acquire()
	}
	return &dirHandle{fsys: c.fsys, root: c.Path}, nil
}

// ReleaseHandle returns an acquired handle to the pool. Safe to call
// with a nil handle (the error path of AcquireHandle).
func (c *Container) ReleaseHandle(h Handle) {
	if h == nil {
		return
	}
	if c.Kind == KindArchive && c.pool != nil {
		c.pool.Release(h)
	}
}
