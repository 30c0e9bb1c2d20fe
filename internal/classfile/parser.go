package classfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/larsgrefer/classgraph/internal/container"
)

const classfileMagic = 0xCAFEBABE

// ErrBadMagic marks input that is not a classfile at all.
var ErrBadMagic = errors.New("classfile: bad magic")

// Parser parses classfile headers. It keeps a reusable read buffer, so
// instances are pooled by the scanner rather than allocated per entry;
// a Parser must not be used by two goroutines at once.
type Parser struct {
	buf bytes.Buffer
}

func NewParser() *Parser {
	return &Parser{}
}

// Parse reads one classfile from r and returns its unlinked record.
func (p *Parser) Parse(r io.Reader, relPath string, owner *container.Container) (*UnlinkedRecord, error) {
	p.buf.Reset()
	if _, err := p.buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("classfile: read %s: %w", relPath, err)
	}

	d := &decoder{data: p.buf.Bytes()}
	if d.u4() != classfileMagic {
		if d.err != nil {
			return nil, fmt.Errorf("classfile: %s: %w", relPath, d.err)
		}
		return nil, fmt.Errorf("%w: %s", ErrBadMagic, relPath)
	}
	d.u2() // minor version
	d.u2() // major version

	cp, err := d.constantPool()
	if err != nil {
		return nil, fmt.Errorf("classfile: %s: %w", relPath, err)
	}

	rec := &UnlinkedRecord{Container: owner, Path: relPath}
	rec.Flags = d.u2()
	rec.Name = cp.className(d.u2())
	if superIdx := d.u2(); superIdx != 0 {
		rec.SuperName = cp.className(superIdx)
	}

	ifaceCount := int(d.u2())
	for i := 0; i < ifaceCount; i++ {
		rec.Interfaces = append(rec.Interfaces, cp.className(d.u2()))
	}

	// Fields carry nothing we link on; skip them wholesale.
	fieldCount := int(d.u2())
	for i := 0; i < fieldCount; i++ {
		d.skip(6) // access, name, descriptor
		d.skipAttributes(nil, cp, rec, "")
	}

	methodCount := int(d.u2())
	for i := 0; i < methodCount; i++ {
		d.skip(2) // access
		methodName := cp.utf8(d.u2())
		d.skip(2) // descriptor
		d.skipAttributes(nil, cp, rec, methodName)
	}

	d.skipAttributes(&rec.Annotations, cp, rec, "")

	if d.err != nil {
		return nil, fmt.Errorf("classfile: %s: %w", relPath, d.err)
	}
	if rec.Name == "" {
		return nil, fmt.Errorf("classfile: %s: missing class name", relPath)
	}
	return rec, nil
}

// constantPool entry. Only the fields the header parse needs are kept.
type cpEntry struct {
	tag      uint8
	utf8     string
	classIdx uint16
	intVal   int64
	floatVal float64
}

type constantPool []cpEntry

func (cp constantPool) utf8(idx uint16) string {
	if int(idx) < len(cp) {
		return cp[idx].utf8
	}
	return ""
}

// className resolves a CONSTANT_Class entry to a dotted class name.
func (cp constantPool) className(idx uint16) string {
	if int(idx) >= len(cp) {
		return ""
	}
	return strings.ReplaceAll(cp.utf8(cp[idx].classIdx), "/", ".")
}

// descriptorToName converts a field descriptor like "Lcom/foo/Bar;" to
// a dotted class name; anything else is returned as-is.
func descriptorToName(desc string) string {
	if strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";") {
		return strings.ReplaceAll(desc[1:len(desc)-1], "/", ".")
	}
	return desc
}

// decoder reads big-endian classfile primitives with a sticky error.
type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = io.ErrUnexpectedEOF
	}
}

func (d *decoder) u1() uint8 {
	if d.err != nil {
		return 0
	}
	if d.pos+1 > len(d.data) {
		d.fail()
		return 0
	}
	v := d.data[d.pos]
	d.pos++
	return v
}

func (d *decoder) u2() uint16 {
	if d.err != nil {
		return 0
	}
	if d.pos+2 > len(d.data) {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u4() uint32 {
	if d.err != nil {
		return 0
	}
	if d.pos+4 > len(d.data) {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) u8() uint64 {
	if d.err != nil {
		return 0
	}
	if d.pos+8 > len(d.data) {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(d.data[d.pos:])
	d.pos += 8
	return v
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.fail()
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) skip(n int) {
	d.bytes(n)
}

func (d *decoder) constantPool() (constantPool, error) {
	count := int(d.u2())
	if d.err != nil {
		return nil, d.err
	}
	cp := make(constantPool, count)
	for i := 1; i < count; i++ {
		tag := d.u1()
		cp[i].tag = tag
		switch tag {
		case 1: // Utf8
			n := int(d.u2())
			cp[i].utf8 = string(d.bytes(n))
		case 3: // Integer
			cp[i].intVal = int64(int32(d.u4()))
		case 4: // Float
			cp[i].floatVal = float64(math.Float32frombits(d.u4()))
		case 5: // Long, takes two pool slots
			cp[i].intVal = int64(d.u8())
			i++
		case 6: // Double, takes two pool slots
			cp[i].floatVal = math.Float64frombits(d.u8())
			i++
		case 7: // Class
			cp[i].classIdx = d.u2()
		case 8: // String
			cp[i].classIdx = d.u2() // utf8 index, reuse the slot
		case 15: // MethodHandle
			d.skip(3)
		case 16, 19, 20: // MethodType, Module, Package
			d.skip(2)
		case 9, 10, 11, 12, 17, 18: // refs, NameAndType, Dynamic
			d.skip(4)
		default:
			if d.err == nil {
				d.err = fmt.Errorf("unsupported constant pool tag %d", tag)
			}
		}
		if d.err != nil {
			return nil, d.err
		}
	}
	return cp, nil
}

// skipAttributes consumes an attribute table. Two attributes are
// inspected instead of skipped: RuntimeVisibleAnnotations (when
// classAnnotations is non-nil, i.e. at class level) and
// AnnotationDefault (when methodName is non-empty).
func (d *decoder) skipAttributes(classAnnotations *[]string, cp constantPool, rec *UnlinkedRecord, methodName string) {
	count := int(d.u2())
	for i := 0; i < count && d.err == nil; i++ {
		name := cp.utf8(d.u2())
		length := int(d.u4())
		end := d.pos + length
		switch {
		case classAnnotations != nil && name == "RuntimeVisibleAnnotations":
			n := int(d.u2())
			for j := 0; j < n && d.err == nil; j++ {
				*classAnnotations = append(*classAnnotations, d.annotation(cp))
			}
		case methodName != "" && name == "AnnotationDefault":
			v := d.elementValue(cp)
			if d.err == nil {
				if rec.AnnotationDefaults == nil {
					rec.AnnotationDefaults = make(map[string]any)
				}
				rec.AnnotationDefaults[methodName] = v
			}
		default:
			d.skip(length)
		}
		if d.err == nil {
			if end > len(d.data) {
				d.fail()
			} else {
				d.pos = end
			}
		}
	}
}

// annotation consumes one annotation structure and returns the dotted
// name of its type. Element values are consumed and discarded.
func (d *decoder) annotation(cp constantPool) string {
	name := descriptorToName(cp.utf8(d.u2()))
	pairs := int(d.u2())
	for i := 0; i < pairs && d.err == nil; i++ {
		d.u2() // element name
		d.elementValue(cp)
	}
	return name
}

// elementValue decodes one element_value. Constant tags resolve to
// their pool values; structured tags are consumed and summarized.
func (d *decoder) elementValue(cp constantPool) any {
	tag := d.u1()
	switch tag {
	case 'B', 'C', 'I', 'S', 'J':
		idx := d.u2()
		if int(idx) < len(cp) {
			return cp[idx].intVal
		}
		return nil
	case 'Z':
		idx := d.u2()
		if int(idx) < len(cp) {
			return cp[idx].intVal != 0
		}
		return nil
	case 'F', 'D':
		idx := d.u2()
		if int(idx) < len(cp) {
			return cp[idx].floatVal
		}
		return nil
	case 's':
		return cp.utf8(d.u2())
	case 'c':
		return descriptorToName(cp.utf8(d.u2()))
	case 'e':
		typeName := descriptorToName(cp.utf8(d.u2()))
		constName := cp.utf8(d.u2())
		return typeName + "." + constName
	case '@':
		return d.annotation(cp)
	case '[':
		n := int(d.u2())
		vals := make([]any, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			vals = append(vals, d.elementValue(cp))
		}
		return vals
	default:
		if d.err == nil {
			d.err = fmt.Errorf("unsupported element_value tag %q", tag)
		}
		return nil
	}
}
