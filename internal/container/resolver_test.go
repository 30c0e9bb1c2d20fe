package container

import (
	"archive/zip"
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/larsgrefer/classgraph/api"
	"github.com/larsgrefer/classgraph/internal/workqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zipEntry struct {
	name string
	data []byte
}

func writeZip(t *testing.T, fsys billy.Filesystem, path string, entries []zipEntry) {
	t.Helper()
	f, err := fsys.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func testPolicy() *api.Policy {
	pol := api.Default()
	pol.BaseDir = "/"
	return pol
}

func discard() *log.Logger {
	return log.New(io.Discard)
}

func resolveAll(t *testing.T, fsys billy.Filesystem, pol *api.Policy, refs []Ref) *Registry {
	t.Helper()
	reg := NewRegistry()
	r := NewResolver(fsys, reg, pol, discard())
	require.NoError(t, workqueue.Run(context.Background(), refs, 4, r.Resolve))
	return reg
}

func TestResolveDirectoryAndArchive(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "/src/com/example/A.class", []byte{0xCA}, 0o644))
	writeZip(t, fsys, "/lib/outer.jar", []zipEntry{
		{"META-INF/MANIFEST.MF", []byte("Manifest-Version: 1.0\nClass-Path: inner.jar missing.jar\n")},
		{"com/example/B.class", []byte{0xCA}},
	})
	writeZip(t, fsys, "/lib/inner.jar", []zipEntry{
		{"com/example/C.class", []byte{0xCA}},
	})

	refs := []Ref{{Path: "/src"}, {Path: "/lib/outer.jar"}}
	reg := resolveAll(t, fsys, testPolicy(), refs)

	src := reg.Lookup("/src")
	require.NotNil(t, src)
	assert.Equal(t, KindDir, src.Kind)

	outer := reg.Lookup("/lib/outer.jar")
	require.NotNil(t, outer)
	assert.Equal(t, KindArchive, outer.Kind)
	// Both manifest entries resolve lexically and become redirects; only
	// the existing one validates into a registered container.
	assert.Equal(t, []Ref{{Path: "/lib/inner.jar"}, {Path: "/lib/missing.jar"}}, outer.Redirects)
	require.NotNil(t, reg.Lookup("/lib/inner.jar"))
	assert.Nil(t, reg.Lookup("/lib/missing.jar"))

	order := BuildOrder(refs, reg, "/")
	require.Len(t, order, 3)
	assert.Equal(t, "/src", order[0].Path)
	assert.Equal(t, "/lib/outer.jar", order[1].Path)
	assert.Equal(t, "/lib/inner.jar", order[2].Path)
}

func TestResolveDuplicateReferences(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "/src/A.class", nil, 0o644))

	// The same directory referenced three ways resolves to one container.
	refs := []Ref{{Path: "/src"}, {Path: "/src/"}, {Path: "file:///src"}}
	reg := resolveAll(t, fsys, testPolicy(), refs)
	assert.Len(t, reg.All(), 1)
}

func TestResolveDeniedArchiveStillContributesRedirects(t *testing.T) {
	fsys := memfs.New()
	writeZip(t, fsys, "/lib/outer.jar", []zipEntry{
		{"META-INF/MANIFEST.MF", []byte("Class-Path: inner.jar\n")},
		{"com/example/B.class", []byte{0xCA}},
	})
	writeZip(t, fsys, "/lib/inner.jar", []zipEntry{
		{"com/example/C.class", []byte{0xCA}},
	})

	pol := testPolicy()
	pol.DenyPaths = []string{"/lib/outer.jar"}
	refs := []Ref{{Path: "/lib/outer.jar"}}
	reg := resolveAll(t, fsys, pol, refs)

	outer := reg.Lookup("/lib/outer.jar")
	require.NotNil(t, outer)
	assert.True(t, outer.Excluded)
	require.NotNil(t, reg.Lookup("/lib/inner.jar"))

	// The excluded archive is traversed but never appears in the order.
	order := BuildOrder(refs, reg, "/")
	require.Len(t, order, 1)
	assert.Equal(t, "/lib/inner.jar", order[0].Path)
}

func TestResolveDeniedDirectoryIsSkipped(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "/src/A.class", nil, 0o644))

	pol := testPolicy()
	pol.DenyPaths = []string{"/src"}
	reg := resolveAll(t, fsys, pol, []Ref{{Path: "/src"}})
	assert.Empty(t, reg.All())
}

func TestResolveModuleFilter(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "/mods/app/A.class", nil, 0o644))
	require.NoError(t, util.WriteFile(fsys, "/mods/sys/B.class", nil, 0o644))

	pol := testPolicy()
	pol.DenyModules = []string{"sys"}
	refs := []Ref{
		{Path: "/mods/app", Module: "app"},
		{Path: "/mods/sys", Module: "sys"},
	}
	reg := resolveAll(t, fsys, pol, refs)

	app := reg.Lookup("/mods/app")
	require.NotNil(t, app)
	assert.Equal(t, KindModule, app.Kind)
	assert.Equal(t, "app", app.Module)
	assert.Nil(t, reg.Lookup("/mods/sys"))
}

func TestResolveNonexistentReference(t *testing.T) {
	fsys := memfs.New()
	reg := resolveAll(t, fsys, testPolicy(), []Ref{{Path: "/does/not/exist"}})
	assert.Empty(t, reg.All())
}

func TestScanPathsAndMasking(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "/src/com/example/A.class", []byte{0xCA}, 0o644))
	require.NoError(t, util.WriteFile(fsys, "/src/com/example/A.txt", nil, 0o644))
	writeZip(t, fsys, "/lib/dup.jar", []zipEntry{
		{"com/example/A.class", []byte{0xCA}}, // duplicate of the dir entry
		{"com/example/D.class", []byte{0xCA}},
	})

	pol := testPolicy()
	refs := []Ref{{Path: "/src"}, {Path: "/lib/dup.jar"}}
	reg := resolveAll(t, fsys, pol, refs)
	order := BuildOrder(refs, reg, "/")
	require.Len(t, order, 2)

	for _, c := range order {
		require.NoError(t, c.ScanPaths(pol))
	}
	assert.Equal(t, []string{"com/example/A.class"}, order[0].Matched())
	assert.Equal(t, []string{"com/example/A.class", "com/example/D.class"}, order[1].Matched())

	// First occurrence in containment order wins.
	MaskPaths(order)
	assert.Equal(t, []string{"com/example/A.class"}, order[0].Matched())
	assert.Equal(t, []string{"com/example/D.class"}, order[1].Matched())
}

func TestArchiveHandleReadsEntries(t *testing.T) {
	fsys := memfs.New()
	writeZip(t, fsys, "/lib/app.jar", []zipEntry{
		{"com/example/B.class", []byte{1, 2, 3}},
	})

	reg := resolveAll(t, fsys, testPolicy(), []Ref{{Path: "/lib/app.jar"}})
	c := reg.Lookup("/lib/app.jar")
	require.NotNil(t, c)
	defer c.Close()

	h, err := c.AcquireHandle()
	require.NoError(t, err)
	defer c.ReleaseHandle(h)

	rc, err := h.Open("com/example/B.class")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = h.Open("missing")
	assert.Error(t, err)
}
