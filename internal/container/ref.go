package container

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrRemote marks references pointing at http/https locations, which are
// never fetched.
var ErrRemote = errors.New("container: remote references are not supported")

// Ref identifies a raw, not-yet-validated container location: a path or
// URI string, optionally carrying a logical module identity. Immutable
// once created.
type Ref struct {
	Path   string
	Module string
}

// Canonical resolves the reference to its canonical path string, the
// registry key. The transformation is lexical: URI scheme prefixes are
// stripped, backslashes normalized, relative paths resolved against
// base, and each '!'-separated archive segment cleaned individually.
func (r Ref) Canonical(base string) (string, error) {
	p := strings.TrimSpace(r.Path)
	if p == "" {
		return "", errors.New("container: empty reference")
	}
	// "jar:" adds nothing; archive-ness is decided by the file suffix.
	p = strings.TrimPrefix(p, "jar:")
	if strings.HasPrefix(p, "http:") || strings.HasPrefix(p, "https:") {
		return "", fmt.Errorf("%w: %s", ErrRemote, p)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "file://")
	p = strings.TrimPrefix(p, "file:")
	p = strings.ReplaceAll(p, "%20", " ")

	segs := strings.Split(p, "!")
	first := path.Clean(segs[0])
	if !path.IsAbs(first) {
		first = path.Join(base, first)
	}
	segs[0] = first
	for i := 1; i < len(segs); i++ {
		seg := path.Clean(strings.TrimPrefix(segs[i], "/"))
		if seg == "." || seg == "" {
			return "", fmt.Errorf("container: empty archive entry segment in %q", r.Path)
		}
		segs[i] = seg
	}
	return strings.Join(segs, "!"), nil
}

// archiveSuffixes lists the file suffixes treated as archive containers.
var archiveSuffixes = []string{".jar", ".zip", ".war", ".ear"}

func isArchivePath(p string) bool {
	lower := strings.ToLower(p)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
