package container

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/larsgrefer/classgraph/api"
)

// ScanPaths discovers the container's matched relative paths and their
// modification times, looking only at names, never at contents. Subtrees
// that are themselves nested container roots are skipped so their paths
// are counted once, by their own container. Exactly one task owns a
// container during the path-scan phase; results are read only after the
// phase's queue drains.
func (c *Container) ScanPaths(pol *api.Policy) error {
	c.matched = nil
	c.ModTimes = make(map[string]time.Time)
	switch c.Kind {
	case KindArchive:
		if err := c.scanArchivePaths(pol); err != nil {
			return err
		}
	default:
		if err := c.scanDirPaths(pol); err != nil {
			return err
		}
	}
	sort.Strings(c.matched)
	return nil
}

func (c *Container) scanDirPaths(pol *api.Policy) error {
	root := filepath.FromSlash(c.Path)
	err := util.Walk(c.fsys, root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if fi.IsDir() {
			if rel != "." && c.isNestedRoot(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(rel, pol.MatchSuffix) {
			c.matched = append(c.matched, rel)
			c.ModTimes[rel] = fi.ModTime()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", c.Path, err)
	}
	return nil
}

func (c *Container) scanArchivePaths(pol *api.Policy) error {
	h, err := c.AcquireHandle()
	if err != nil {
		return err
	}
	defer c.ReleaseHandle(h)

	zh := h.(*zipHandle)
	for _, zf := range zh.reader.File {
		name := zf.Name
		if strings.HasSuffix(name, "/") || c.underNestedRoot(name) {
			continue
		}
		if strings.HasSuffix(name, pol.MatchSuffix) {
			c.matched = append(c.matched, name)
			c.ModTimes[name] = zf.Modified
		}
	}
	return nil
}
