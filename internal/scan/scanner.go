// Package scan orchestrates the scan phases: parallel container
// resolution, containment ordering, nested-root detection, parallel
// path scanning, masking, load-leveled parallel record parsing, and
// graph linking. Phases are sequenced, not pipelined; each parallel
// phase is one work-queue run to completion, which forms the
// happens-before boundary for the per-container results it produced.
package scan

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/larsgrefer/classgraph/api"
	"github.com/larsgrefer/classgraph/internal/chunk"
	"github.com/larsgrefer/classgraph/internal/classfile"
	"github.com/larsgrefer/classgraph/internal/container"
	"github.com/larsgrefer/classgraph/internal/graph"
	"github.com/larsgrefer/classgraph/internal/recycle"
	"github.com/larsgrefer/classgraph/internal/workqueue"
)

// Scanner runs scans over a filesystem. The zero value is not usable;
// construct with New.
type Scanner struct {
	fsys   billy.Filesystem
	policy *api.Policy
	log    *log.Logger
}

// New creates a Scanner. fsys defaults to the OS filesystem, policy to
// api.Default, logger to the process default.
func New(fsys billy.Filesystem, policy *api.Policy, logger *log.Logger) *Scanner {
	if fsys == nil {
		fsys = osfs.New("/")
	}
	if policy == nil {
		policy = api.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scanner{fsys: fsys, policy: policy, log: logger}
}

// collector gathers parsed records from all parse tasks.
type collector struct {
	mu      sync.Mutex
	records []*classfile.UnlinkedRecord
}

func (c *collector) add(rec *classfile.UnlinkedRecord) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

// failureSet collects per-container errors in best-effort mode.
type failureSet struct {
	mu sync.Mutex
	m  map[string]error
}

func (f *failureSet) record(containerPath string, err error) {
	f.mu.Lock()
	if f.m == nil {
		f.m = make(map[string]error)
	}
	if _, ok := f.m[containerPath]; !ok {
		f.m[containerPath] = err
	}
	f.mu.Unlock()
}

// Scan discovers, orders, scans and links the containers reachable from
// the toplevel references. On cancellation it returns an error
// satisfying errors.Is(err, context.Canceled) and no graph. In
// best-effort mode per-container failures are reported on the graph
// instead of failing the scan.
func (s *Scanner) Scan(ctx context.Context, refs []container.Ref) (*graph.Graph, error) {
	pol := s.policy
	workers := pol.Workers
	if workers < 1 {
		workers = 1
	}
	start := time.Now()

	registry := container.NewRegistry()
	resolver := container.NewResolver(s.fsys, registry, pol, s.log.With("phase", "resolve"))
	defer func() {
		for _, c := range registry.All() {
			c.Close()
		}
		if !pol.KeepTempFiles {
			for _, tmp := range resolver.TempFiles() {
				_ = os.Remove(tmp)
			}
		}
	}()

	// Phase 1: resolve raw references to canonical containers in
	// parallel. Archive containers add their redirect references to the
	// same queue.
	if err := workqueue.Run(ctx, refs, workers, resolver.Resolve); err != nil {
		return nil, fmt.Errorf("resolving containers: %w", err)
	}

	order := container.BuildOrder(refs, registry, pol.BaseDir)
	g := &graph.Graph{Order: make([]string, len(order))}
	for i, c := range order {
		g.Order[i] = c.Path
	}
	s.log.Info("containment order determined", "containers", len(order))

	if !pol.ScanFiles {
		return g, nil
	}

	container.DetectNestedRoots(order)

	// Phase 2: scan paths (names only) in parallel.
	failures := &failureSet{}
	pathLog := s.log.With("phase", "paths")
	err := workqueue.Run(ctx, order, workers, func(ctx context.Context, _ *workqueue.Queue[*container.Container], c *container.Container) error {
		if err := c.ScanPaths(pol); err != nil {
			if pol.BestEffort {
				pathLog.Warn("path scan failed", "container", c.Path, "err", err)
				failures.record(c.Path, err)
				return nil
			}
			return fmt.Errorf("scanning paths of %s: %w", c.Path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	container.MaskPaths(order)

	// Merge modification times; keyspaces are disjoint after masking.
	g.ModTimes = make(map[string]time.Time)
	matched := 0
	for _, c := range order {
		matched += len(c.Matched())
		for rel, t := range c.ModTimes {
			g.ModTimes[rel] = t
		}
	}
	s.log.Info("path scan complete", "matched", matched)

	// Phase 3: parse record headers in parallel, chunked and
	// interleaved for load leveling. Parsers hold reusable buffers and
	// are recycled across tasks.
	parsers := recycle.New(func() (*classfile.Parser, error) {
		return classfile.NewParser(), nil
	}, nil)
	defer parsers.Close()

	records := &collector{}
	parseLog := s.log.With("phase", "parse")
	chunks := chunk.Plan(order, pol.ChunkSize)
	err = workqueue.Run(ctx, chunks, workers, func(ctx context.Context, _ *workqueue.Queue[chunk.Chunk], ck chunk.Chunk) error {
		return s.parseChunk(ck, parsers, records, failures, parseLog)
	})
	if err != nil {
		return nil, err
	}

	nodes, linkErrs := graph.Link(records.records)
	g.Nodes = nodes
	g.LinkErrors = linkErrs
	g.Failures = failures.m
	for _, lerr := range linkErrs {
		s.log.Warn("link failure", "err", lerr)
	}
	s.log.Info("scan complete",
		"classes", len(nodes),
		"records", len(records.records),
		"elapsed", time.Since(start))
	return g, nil
}

// parseChunk parses one chunk's index range against its container,
// holding one pooled container handle and one pooled parser for the
// chunk's duration.
func (s *Scanner) parseChunk(ck chunk.Chunk, parsers *recycle.Pool[*classfile.Parser], records *collector, failures *failureSet, plog *log.Logger) error {
	c := ck.Container
	h, err := c.AcquireHandle()
	if err != nil {
		if s.policy.BestEffort {
			plog.Warn("cannot open container", "container", c.Path, "err", err)
			failures.record(c.Path, err)
			return nil
		}
		return fmt.Errorf("opening %s: %w", c.Path, err)
	}
	defer c.ReleaseHandle(h)

	parser, err := parsers.Acquire()
	if err != nil {
		return err
	}
	defer parsers.Release(parser)

	matched := c.Matched()
	for i := ck.Start; i < ck.End; i++ {
		rel := matched[i]
		rec, err := parseEntry(parser, h, rel, c)
		if err != nil {
			if s.policy.BestEffort {
				plog.Warn("parse failed", "container", c.Path, "path", rel, "err", err)
				failures.record(c.Path, err)
				continue
			}
			return fmt.Errorf("parsing %s in %s: %w", rel, c.Path, err)
		}
		records.add(rec)
	}
	return nil
}

func parseEntry(parser *classfile.Parser, h container.Handle, rel string, c *container.Container) (*classfile.UnlinkedRecord, error) {
	rc, err := h.Open(rel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return parser.Parse(rc, rel, c)
}
