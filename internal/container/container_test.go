package container

import (
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreateIsAtomic(t *testing.T) {
	reg := NewRegistry()
	fsys := memfs.New()

	var wg sync.WaitGroup
	results := make([]*Container, 20)
	createdCount := 0
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, created := reg.GetOrCreate("/lib/app.jar", fsys)
			results[i] = c
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, c := range results {
		assert.Same(t, results[0], c)
	}
	assert.Same(t, results[0], reg.Lookup("/lib/app.jar"))
	assert.Nil(t, reg.Lookup("/other"))
}

func TestBuildOrderIsPreorderAndBreaksCycles(t *testing.T) {
	reg := NewRegistry()
	fsys := memfs.New()
	a, _ := reg.GetOrCreate("/a.jar", fsys)
	b, _ := reg.GetOrCreate("/b.jar", fsys)
	c, _ := reg.GetOrCreate("/c.jar", fsys)

	// a -> b -> c -> a forms a redirect cycle.
	a.Redirects = []Ref{{Path: "/b.jar"}}
	b.Redirects = []Ref{{Path: "/c.jar"}}
	c.Redirects = []Ref{{Path: "/a.jar"}}

	order := BuildOrder([]Ref{{Path: "/a.jar"}}, reg, "/")
	require.Len(t, order, 3)
	assert.Same(t, a, order[0])
	assert.Same(t, b, order[1])
	assert.Same(t, c, order[2])
}

func TestBuildOrderSkipsExcludedButFollowsItsRedirects(t *testing.T) {
	reg := NewRegistry()
	fsys := memfs.New()
	a, _ := reg.GetOrCreate("/a.jar", fsys)
	b, _ := reg.GetOrCreate("/b.jar", fsys)
	c, _ := reg.GetOrCreate("/c.jar", fsys)

	a.Redirects = []Ref{{Path: "/b.jar"}}
	b.Excluded = true
	b.Redirects = []Ref{{Path: "/c.jar"}}

	order := BuildOrder([]Ref{{Path: "/a.jar"}}, reg, "/")
	require.Len(t, order, 2)
	assert.Same(t, a, order[0])
	assert.Same(t, c, order[1])
}

func TestBuildOrderDeduplicatesAcrossToplevels(t *testing.T) {
	reg := NewRegistry()
	fsys := memfs.New()
	a, _ := reg.GetOrCreate("/a.jar", fsys)
	b, _ := reg.GetOrCreate("/b.jar", fsys)
	a.Redirects = []Ref{{Path: "/b.jar"}}

	order := BuildOrder([]Ref{{Path: "/a.jar"}, {Path: "/b.jar"}, {Path: "/a.jar"}}, reg, "/")
	require.Len(t, order, 2)
	assert.Same(t, a, order[0])
	assert.Same(t, b, order[1])
}

func TestDetectNestedRoots(t *testing.T) {
	a := &Container{Path: "/work/classes"}
	ab := &Container{Path: "/work/classes/plugins"}
	jar := &Container{Path: "/lib/app.jar"}
	inJar := &Container{Path: "/lib/app.jar!lib/dep.jar"}

	DetectNestedRoots([]*Container{jar, a, inJar, ab})

	// A directly nested container becomes a nested root of its prefix
	// container, for both directory and archive containment.
	assert.Equal(t, []string{"plugins/"}, a.NestedRoots)
	assert.Equal(t, []string{"lib/dep.jar/"}, jar.NestedRoots)
	assert.Empty(t, ab.NestedRoots)
	assert.Empty(t, inJar.NestedRoots)
}

func TestDetectNestedRootsSkipsIndirectlyNestedArchives(t *testing.T) {
	// An archive nested inside another archive nested inside the base is
	// never auto-merged into the base.
	base := &Container{Path: "/work/classes"}
	indirect := &Container{Path: "/work/classes/lib/outer.jar!inner.jar"}

	DetectNestedRoots([]*Container{indirect, base})
	assert.Empty(t, base.NestedRoots)
	assert.Empty(t, indirect.NestedRoots)
}

func TestDetectNestedRootsStopsAtFirstNonMatch(t *testing.T) {
	// "/a" is a string prefix of "/ab" but not a path prefix; the
	// sibling must not shadow the real nested container after it.
	a := &Container{Path: "/a"}
	ab := &Container{Path: "/ab"}
	ac := &Container{Path: "/a/c"}

	DetectNestedRoots([]*Container{ab, ac, a})
	assert.Equal(t, []string{"c/"}, a.NestedRoots)
	assert.Empty(t, ab.NestedRoots)
}

func TestMaskPathsFirstOccurrenceWins(t *testing.T) {
	now := time.Now()
	a := &Container{
		Path:    "/a",
		matched: []string{"p/X.class", "p/Y.class"},
		ModTimes: map[string]time.Time{
			"p/X.class": now, "p/Y.class": now,
		},
	}
	b := &Container{
		Path:    "/b",
		matched: []string{"p/X.class", "p/Z.class"},
		ModTimes: map[string]time.Time{
			"p/X.class": now, "p/Z.class": now,
		},
	}

	order := []*Container{a, b}
	MaskPaths(order)

	assert.Equal(t, []string{"p/X.class", "p/Y.class"}, a.Matched())
	assert.Equal(t, []string{"p/Z.class"}, b.Matched())
	// Masked entries lose their recorded modification times too.
	assert.Contains(t, b.ModTimes, "p/Z.class")
	assert.NotContains(t, b.ModTimes, "p/X.class")

	// Idempotent.
	MaskPaths(order)
	assert.Equal(t, []string{"p/X.class", "p/Y.class"}, a.Matched())
	assert.Equal(t, []string{"p/Z.class"}, b.Matched())
}
