// Package container models the scanned container resources: directories,
// archives, and archives-within-archives reachable through redirect
// manifests. It owns the canonical-path registry, the parallel resolver,
// the containment order builder, nested-root detection, and cross-container
// path masking.
package container

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-git/go-billy/v5"
	"github.com/larsgrefer/classgraph/internal/recycle"
)

// Kind classifies a validated container.
type Kind int

const (
	KindDir Kind = iota
	KindArchive
	KindModule
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindArchive:
		return "archive"
	case KindModule:
		return "module"
	}
	return "unknown"
}

// Container is the validated, deduplicated representation of one
// container. It is created exactly once per canonical path by the
// registry; during a parallel phase each container is written by exactly
// one task owner and read by others only after the phase completes.
type Container struct {
	// Path is the canonical resolved path and the registry key. Nested
	// archives keep the '!' entry separator, e.g. "/lib/outer.jar!a/inner.jar".
	Path string

	Kind     Kind
	Module   string // logical module name, empty for plain containers
	Excluded bool   // traversed for redirects but not scanned

	// Redirects are the container references extracted from this
	// container's redirect manifest, in discovery order. Paths are
	// already canonical.
	Redirects []Ref

	// NestedRoots are the relative prefixes (with trailing slash) of
	// containers nested inside this one, recorded to avoid
	// double-counting paths across nested roots.
	NestedRoots []string

	// ModTimes maps discovered relative paths to modification times.
	ModTimes map[string]time.Time

	fsys        billy.Filesystem
	archivePath string // on-disk location of archive data; differs from Path for extracted nested archives

	matched []string // sorted relative paths of matched records

	poolOnce sync.Once
	pool     *recycle.Pool[Handle]
}

// Matched returns the container's matched relative paths, sorted. After
// MaskPaths ran, masked duplicates are no longer present.
func (c *Container) Matched() []string {
	return c.matched
}

// applyMask keeps only the matched entries whose index is in keep,
// preserving order, and drops the modification times of masked entries.
func (c *Container) applyMask(keep *roaring.Bitmap) {
	kept := make([]string, 0, keep.GetCardinality())
	it := keep.Iterator()
	for it.HasNext() {
		kept = append(kept, c.matched[it.Next()])
	}
	modTimes := make(map[string]time.Time, len(kept))
	for _, rel := range kept {
		if t, ok := c.ModTimes[rel]; ok {
			modTimes[rel] = t
		}
	}
	c.matched = kept
	c.ModTimes = modTimes
}

// isNestedRoot reports whether the given relative directory prefix
// (with trailing slash) is a nested container root.
func (c *Container) isNestedRoot(relPrefix string) bool {
	for _, root := range c.NestedRoots {
		if root == relPrefix {
			return true
		}
	}
	return false
}

// underNestedRoot reports whether rel lies inside any nested root.
func (c *Container) underNestedRoot(rel string) bool {
	for _, root := range c.NestedRoots {
		if strings.HasPrefix(rel, root) {
			return true
		}
	}
	return false
}

// Close shuts down the container's handle pool, disposing any pooled
// archive readers.
func (c *Container) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Registry is the global mutable registry of containers, keyed by
// canonical path. Creation-on-first-access is atomic per key: even when
// two workers race to resolve references to the same underlying path,
// at most one Container object is created.
type Registry struct {
	mu         sync.Mutex
	containers map[string]*Container
}

func NewRegistry() *Registry {
	return &Registry{containers: make(map[string]*Container)}
}

// Lookup returns the container registered under key, or nil.
func (r *Registry) Lookup(key string) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containers[key]
}

// GetOrCreate returns the container for key, creating it if absent.
// created reports whether this call performed the creation; only the
// creating caller may populate the container's fields.
func (r *Registry) GetOrCreate(key string, fsys billy.Filesystem) (c *Container, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[key]; ok {
		return c, false
	}
	c = &Container{
		Path:        key,
		fsys:        fsys,
		archivePath: key,
		ModTimes:    make(map[string]time.Time),
	}
	r.containers[key] = c
	return c, true
}

// All returns every registered container in no particular order.
func (r *Registry) All() []*Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		all = append(all, c)
	}
	return all
}

// BuildOrder performs a depth-first traversal over container→redirect
// edges starting from the toplevel references in input order, producing
// the final containment order. A visited-set on container identity
// breaks redirect cycles: each container is emitted at most once, at
// first discovery. Excluded containers contribute their redirects in
// place but do not themselves appear in the order.
func BuildOrder(toplevel []Ref, reg *Registry, base string) []*Container {
	visited := make(map[*Container]struct{})
	var order []*Container

	var visit func(c *Container)
	visit = func(c *Container) {
		if _, seen := visited[c]; seen {
			return
		}
		visited[c] = struct{}{}
		if !c.Excluded {
			order = append(order, c)
		}
		for _, ref := range c.Redirects {
			if child := reg.Lookup(ref.Path); child != nil {
				visit(child)
			}
		}
	}

	for _, ref := range toplevel {
		key, err := ref.Canonical(base)
		if err != nil {
			continue
		}
		if c := reg.Lookup(key); c != nil {
			visit(c)
		}
	}
	return order
}

// DetectNestedRoots finds containers whose resolved path is a
// separator-delimited prefix of another container's path and records the
// containment as a nested root on the prefix container. Paths whose
// suffix contains a further '!' are skipped: indirectly nested archives
// are never auto-merged.
func DetectNestedRoots(order []*Container) {
	sorted := make([]*Container, len(order))
	copy(sorted, order)
	sort.Slice(sorted, func(i, j int) bool {
		// Canonical paths are unique, so this order is total.
		return sorted[i].Path < sorted[j].Path
	})

	for i := range sorted {
		base := sorted[i].Path
		for j := i + 1; j < len(sorted); j++ {
			cmp := sorted[j].Path
			found := false
			if len(cmp) > len(base) && strings.HasPrefix(cmp, base) {
				sep := cmp[len(base)]
				if sep == '/' || sep == '!' {
					rel := cmp[len(base)+1:]
					if !strings.ContainsRune(rel, '!') {
						found = true
						sorted[i].NestedRoots = append(sorted[i].NestedRoots, rel+"/")
					}
				}
			}
			if !found {
				// Lexicographic order guarantees no prefix matches past
				// the first failure. This short-circuit is required for
				// correctness, not just speed.
				break
			}
		}
	}
}

// MaskPaths keeps, for every discovered relative path, only the first
// occurrence across containers in the final order and discards the
// rest, so each relative path maps to exactly one authoritative
// (container, path) pair. Running it again on an already-masked order
// is a no-op.
func MaskPaths(order []*Container) {
	seen := make(map[string]struct{})
	for _, c := range order {
		keep := roaring.New()
		for idx, rel := range c.matched {
			if _, dup := seen[rel]; dup {
				continue
			}
			seen[rel] = struct{}{}
			keep.Add(uint32(idx))
		}
		c.applyMask(keep)
	}
}
