// Package classfile parses Java classfile binary headers into unlinked
// structural records. Only the header is read: constant pool, access
// flags, class hierarchy references, class-level annotations, and
// annotation default values. Method bodies and debug info are skipped.
package classfile

import "github.com/larsgrefer/classgraph/internal/container"

// Class access flag bits, as defined by the classfile format.
const (
	AccInterface  = 0x0200
	AccAbstract   = 0x0400
	AccAnnotation = 0x2000
	AccEnum       = 0x4000
)

// UnlinkedRecord is a parsed-but-not-cross-referenced record. Immutable
// once produced; cross-references are by name only and resolved later
// by the graph linker.
type UnlinkedRecord struct {
	// Name is the fully-qualified class name in dotted form.
	Name  string
	Flags uint16
	// SuperName is the dotted superclass name, empty for java.lang.Object.
	SuperName  string
	Interfaces []string
	// Annotations lists the dotted names of annotations present on the
	// class itself.
	Annotations []string
	// AnnotationDefaults holds element-name → default-value pairs. It is
	// non-nil only for annotation types whose methods declare defaults;
	// the linker uses its presence to schedule the record in the first
	// linking pass, so dependents can resolve defaults in the second.
	AnnotationDefaults map[string]any

	// Container owns the entry this record was parsed from.
	Container *container.Container
	// Path is the entry's relative path within the container.
	Path string
}

// IsAnnotation reports whether the record describes an annotation type.
func (r *UnlinkedRecord) IsAnnotation() bool {
	return r.Flags&AccAnnotation != 0
}

// IsInterface reports whether the record describes an interface
// (annotation types are interfaces too).
func (r *UnlinkedRecord) IsInterface() bool {
	return r.Flags&AccInterface != 0
}
