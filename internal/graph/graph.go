// Package graph links parsed records into the final cross-referenced
// class graph and persists it.
package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/larsgrefer/classgraph/internal/classfile"
)

var ErrNotFound = errors.New("class not found")

// Node is a fully cross-referenced graph node. Edges are by-name
// references resolved against the graph's node map, never back-pointers
// that would create ownership cycles.
type Node struct {
	Name  string `json:"name"`
	Flags uint16 `json:"flags"`

	SuperName  string   `json:"super,omitempty"`
	Interfaces []string `json:"interfaces,omitempty"`
	// Subclasses / Implementers are the reverse edges, filled in as
	// dependent records link.
	Subclasses   []string `json:"subclasses,omitempty"`
	Implementers []string `json:"implementers,omitempty"`

	Annotations []string `json:"annotations,omitempty"`
	// Defaults holds an annotation type's element default values.
	Defaults map[string]any `json:"defaults,omitempty"`
	// AnnotationDefaults maps each annotation present on this class to
	// that annotation's defaults, resolved during the second linking
	// pass (the first pass guarantees the defaults are in the map).
	AnnotationDefaults map[string]map[string]any `json:"annotation_defaults,omitempty"`

	// Container and Path locate the record this node was parsed from.
	// Both are empty for external references (e.g. a superclass that
	// lives outside every scanned container).
	Container string `json:"container,omitempty"`
	Path      string `json:"path,omitempty"`
}

// External reports whether the node is only known as a reference target,
// without a parsed record of its own.
func (n *Node) External() bool {
	return n.Container == "" && n.Path == ""
}

// Graph is the result of a scan.
type Graph struct {
	// Nodes maps dotted class name to node.
	Nodes map[string]*Node `json:"nodes,omitempty"`
	// Order is the final containment order of container paths.
	Order []string `json:"order"`
	// ModTimes merges every container's relative-path → modification
	// time map. Keyspaces are disjoint after masking.
	ModTimes map[string]time.Time `json:"-"`
	// Failures records per-container errors collected in best-effort
	// mode.
	Failures map[string]error `json:"-"`
	// LinkErrors records per-record linking failures; they never abort
	// linking of the remaining records.
	LinkErrors []error `json:"-"`
}

// Lookup returns the node for a dotted class name.
func (g *Graph) Lookup(name string) (*Node, error) {
	if n, ok := g.Nodes[name]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func getOrCreate(nodes map[string]*Node, name string) *Node {
	if n, ok := nodes[name]; ok {
		return n
	}
	n := &Node{Name: name}
	nodes[name] = n
	return n
}

// Link builds the name→node map from the collected records in two
// passes: first every record carrying annotation defaults, then the
// rest. The phase barrier guarantees dependents in pass two can resolve
// default values through the map regardless of parse completion order.
// Within a pass, record order is not meaningful. Per-record failures
// are collected and returned; they do not abort the remaining records.
func Link(records []*classfile.UnlinkedRecord) (map[string]*Node, []error) {
	nodes := make(map[string]*Node, len(records))
	var errs []error

	for _, rec := range records {
		if rec.AnnotationDefaults != nil {
			if err := link(rec, nodes); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, rec := range records {
		if rec.AnnotationDefaults == nil {
			if err := link(rec, nodes); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return nodes, errs
}

func link(rec *classfile.UnlinkedRecord, nodes map[string]*Node) error {
	if rec.Name == "" {
		return fmt.Errorf("link %s in %s: record has no class name", rec.Path, rec.Container.Path)
	}
	n := getOrCreate(nodes, rec.Name)
	if !n.External() {
		// Masking guarantees one surviving (container, path) pair per
		// relative path, so a second record for the same name means two
		// distinct paths defined the same class.
		return fmt.Errorf("link %s: class %s already linked from %s", rec.Path, rec.Name, n.Container)
	}
	n.Flags = rec.Flags
	n.SuperName = rec.SuperName
	n.Interfaces = rec.Interfaces
	n.Annotations = rec.Annotations
	n.Defaults = rec.AnnotationDefaults
	n.Container = rec.Container.Path
	n.Path = rec.Path

	if rec.SuperName != "" {
		super := getOrCreate(nodes, rec.SuperName)
		super.Subclasses = append(super.Subclasses, rec.Name)
	}
	for _, iface := range rec.Interfaces {
		in := getOrCreate(nodes, iface)
		in.Implementers = append(in.Implementers, rec.Name)
	}
	for _, ann := range rec.Annotations {
		a := getOrCreate(nodes, ann)
		if a.Defaults != nil {
			if n.AnnotationDefaults == nil {
				n.AnnotationDefaults = make(map[string]map[string]any)
			}
			n.AnnotationDefaults[ann] = a.Defaults
		}
	}
	return nil
}
