package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/larsgrefer/classgraph/api"
	"github.com/larsgrefer/classgraph/internal/workqueue"
)

// Resolver validates raw container references into registered singleton
// containers. It runs as a work-queue processor with bounded
// parallelism; the registry's get-or-create is the sole synchronization
// point. Archive containers feed their redirect references back into
// the same queue, which is why the queue must support task-triggered
// task addition.
type Resolver struct {
	fsys     billy.Filesystem
	registry *Registry
	policy   *api.Policy
	log      *log.Logger

	mu        sync.Mutex
	tempFiles []string
}

func NewResolver(fsys billy.Filesystem, reg *Registry, pol *api.Policy, logger *log.Logger) *Resolver {
	return &Resolver{fsys: fsys, registry: reg, policy: pol, log: logger}
}

// TempFiles returns the on-disk extraction targets created for nested
// archives, for cleanup at scan end.
func (r *Resolver) TempFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tempFiles...)
}

// Resolve validates one raw reference. Validation failures skip the
// reference (logged, never fatal); only infrastructure errors fail the
// phase. Implements workqueue.Func[Ref].
func (r *Resolver) Resolve(ctx context.Context, q *workqueue.Queue[Ref], ref Ref) error {
	key, err := ref.Canonical(r.policy.BaseDir)
	if err != nil {
		r.log.Debug("skipping unresolvable reference", "ref", ref.Path, "err", err)
		return nil
	}
	// Fast duplicate short-circuit before any filesystem work. The
	// get-or-create below re-checks under the registry lock.
	if r.registry.Lookup(key) != nil {
		r.log.Debug("ignoring duplicate container", "path", key)
		return nil
	}
	if ref.Module != "" && !r.policy.ModuleAllowed(ref.Module) {
		r.log.Debug("skipping filtered module", "module", ref.Module)
		return nil
	}

	kind, dataFS, dataPath, err := r.classify(ref, key)
	if err != nil {
		r.log.Warn("invalid container", "path", key, "err", err)
		return nil
	}

	excluded := false
	switch kind {
	case KindArchive:
		if !r.policy.ScanArchives {
			r.log.Debug("archive scanning disabled", "path", key)
			return nil
		}
		if !r.policy.PathAllowed(key) {
			// Still traversed for redirects below, just never scanned.
			excluded = true
		}
	default:
		if !r.policy.ScanDirs {
			r.log.Debug("directory scanning disabled", "path", key)
			return nil
		}
		if !r.policy.PathAllowed(key) {
			r.log.Debug("skipping filtered container", "path", key)
			return nil
		}
	}

	c, created := r.registry.GetOrCreate(key, dataFS)
	if !created {
		return nil
	}
	c.Kind = kind
	c.Module = ref.Module
	c.Excluded = excluded
	c.archivePath = dataPath

	if kind == KindArchive {
		if err := r.extractRedirects(q, c); err != nil {
			r.log.Warn("reading redirect manifest", "path", key, "err", err)
		}
	}
	r.log.Debug("registered container", "path", key, "kind", kind, "excluded", excluded)
	return nil
}

// classify checks existence and determines the container kind. For
// nested archive paths it extracts the inner archive to a temp file and
// returns the on-disk location of the archive data.
func (r *Resolver) classify(ref Ref, key string) (Kind, billy.Filesystem, string, error) {
	if strings.Contains(key, "!") {
		dataFS, dataPath, err := r.extractNested(key)
		if err != nil {
			return 0, nil, "", err
		}
		return KindArchive, dataFS, dataPath, nil
	}

	fi, err := r.fsys.Stat(key)
	if err != nil {
		return 0, nil, "", fmt.Errorf("container does not exist: %w", err)
	}
	if fi.IsDir() {
		if ref.Module != "" {
			return KindModule, r.fsys, key, nil
		}
		return KindDir, r.fsys, key, nil
	}
	if !isArchivePath(key) {
		return 0, nil, "", fmt.Errorf("not a directory or recognized archive: %s", key)
	}
	return KindArchive, r.fsys, key, nil
}

// extractNested materializes an archive-within-an-archive path by
// extracting each '!' level to a temp file. The temp files are tracked
// and removed at scan end via TempFiles.
func (r *Resolver) extractNested(key string) (billy.Filesystem, string, error) {
	segs := strings.Split(key, "!")
	curFS := r.fsys
	cur := segs[0]
	if !isArchivePath(cur) {
		return nil, "", fmt.Errorf("nested path root is not an archive: %s", cur)
	}
	for _, entry := range segs[1:] {
		if !isArchivePath(entry) {
			return nil, "", fmt.Errorf("nested entry is not an archive: %s", entry)
		}
		zh, err := openArchive(curFS, cur)
		if err != nil {
			return nil, "", err
		}
		rc, err := zh.Open(entry)
		if err != nil {
			zh.close()
			return nil, "", fmt.Errorf("nested entry %q in %s: %w", entry, cur, err)
		}
		tmp, err := os.CreateTemp("", "classgraph-nested-*"+path.Ext(entry))
		if err != nil {
			_ = rc.Close()
			zh.close()
			return nil, "", fmt.Errorf("create extraction temp file: %w", err)
		}
		_, copyErr := io.Copy(tmp, rc)
		_ = rc.Close()
		zh.close()
		closeErr := tmp.Close()
		r.mu.Lock()
		r.tempFiles = append(r.tempFiles, tmp.Name())
		r.mu.Unlock()
		if copyErr != nil {
			return nil, "", fmt.Errorf("extract %q from %s: %w", entry, cur, copyErr)
		}
		if closeErr != nil {
			return nil, "", fmt.Errorf("extract %q from %s: %w", entry, cur, closeErr)
		}
		// Further levels read from the real filesystem.
		curFS = osfs.New("/")
		cur = tmp.Name()
	}
	return curFS, cur, nil
}

// extractRedirects reads the archive's redirect manifest and feeds each
// entry back into the resolution queue. Entries resolve relative to the
// archive's containing directory. Malformed entries are logged and
// skipped; they never abort the phase.
func (r *Resolver) extractRedirects(q *workqueue.Queue[Ref], c *Container) error {
	h, err := c.AcquireHandle()
	if err != nil {
		return err
	}
	defer c.ReleaseHandle(h)

	entries, err := readRedirectEntries(h)
	if err != nil || len(entries) == 0 {
		return err
	}

	base := path.Dir(strings.SplitN(c.Path, "!", 2)[0])
	for _, entry := range entries {
		key, err := (Ref{Path: entry}).Canonical(base)
		if err != nil {
			r.log.Debug("skipping malformed redirect entry", "entry", entry, "in", c.Path, "err", err)
			continue
		}
		child := Ref{Path: key}
		c.Redirects = append(c.Redirects, child)
		q.Add(child)
	}
	if len(c.Redirects) > 0 {
		r.log.Debug("found redirect entries", "path", c.Path, "count", len(c.Redirects))
	}
	return nil
}
