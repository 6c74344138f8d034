package amf3

import "time"

// Undefined is the AMF3 "undefined" value, distinct from nil (which maps
// to AMF3 "null"). Use amf3.UndefinedValue rather than constructing this
// directly.
type Undefined struct{}

// UndefinedValue is the singleton Undefined value.
var UndefinedValue = Undefined{}

// Date wraps a time.Time so it can participate in the object reference
// table by pointer identity, matching the ref-or-inline rule every other
// complex value follows.
type Date struct {
	Time time.Time
}

// NewDate wraps t for encoding.
func NewDate(t time.Time) *Date { return &Date{Time: t} }

// ByteArray wraps a raw byte slice for reference-table participation.
type ByteArray struct {
	Data []byte
}

// NewByteArray wraps b for encoding.
func NewByteArray(b []byte) *ByteArray { return &ByteArray{Data: b} }

// Array is the AMF3 array type, which distinguishes a dense (strict)
// portion from an associative (named-key) portion. An array with an
// empty Assoc map is a strict array.
type Array struct {
	Dense []any
	// Assoc holds associative key/value pairs. AssocOrder records
	// insertion order since encoding must be deterministic and Go maps
	// are not ordered.
	Assoc      map[string]any
	AssocOrder []string
}

// NewArray builds a strict array from the given dense elements.
func NewArray(items ...any) *Array {
	return &Array{Dense: items}
}

// SetAssoc adds or overwrites an associative entry, preserving first-seen
// order for deterministic encoding.
func (a *Array) SetAssoc(key string, value any) {
	if a.Assoc == nil {
		a.Assoc = make(map[string]any)
	}
	if _, exists := a.Assoc[key]; !exists {
		a.AssocOrder = append(a.AssocOrder, key)
	}
	a.Assoc[key] = value
}

// IsStrict reports whether the array has no associative entries.
func (a *Array) IsStrict() bool {
	return len(a.Assoc) == 0
}

// VectorKind identifies the element type of an AMF3 Vector (markers
// 0x0D-0x10: int, uint, double, object).
type VectorKind int

const (
	VectorKindInt VectorKind = iota
	VectorKindUint
	VectorKindDouble
	VectorKindObject
)

// Vector is the AMF3 vector type: a homogeneous, optionally fixed-length
// list that participates in the object reference table like Array and
// ByteArray. Int/uint/double vectors store their elements as raw
// fixed-width values with no per-element marker; an object vector
// additionally carries an element class name and encodes each element as
// a full AMF3 value.
type Vector struct {
	Kind VectorKind
	// Fixed marks the vector as non-resizable on the wire; carried
	// through round-trips unchanged, with no other effect on encoding.
	Fixed bool
	// TypeName is the object vector's element class name ("*" for an
	// untyped Vector.<Object>). Ignored for numeric vectors.
	TypeName string
	// Items holds the elements: int32 for VectorKindInt, uint32 for
	// VectorKindUint, float64 for VectorKindDouble, any AMF3 value for
	// VectorKindObject.
	Items []any
}

// NewIntVector builds a Vector.<int>.
func NewIntVector(fixed bool, items ...int32) *Vector {
	v := &Vector{Kind: VectorKindInt, Fixed: fixed}
	for _, it := range items {
		v.Items = append(v.Items, it)
	}
	return v
}

// NewUintVector builds a Vector.<uint>.
func NewUintVector(fixed bool, items ...uint32) *Vector {
	v := &Vector{Kind: VectorKindUint, Fixed: fixed}
	for _, it := range items {
		v.Items = append(v.Items, it)
	}
	return v
}

// NewDoubleVector builds a Vector.<Number>.
func NewDoubleVector(fixed bool, items ...float64) *Vector {
	v := &Vector{Kind: VectorKindDouble, Fixed: fixed}
	for _, it := range items {
		v.Items = append(v.Items, it)
	}
	return v
}

// NewObjectVector builds a Vector.<typeName> ("*" for untyped) whose
// elements are encoded as ordinary AMF3 values.
func NewObjectVector(typeName string, fixed bool, items ...any) *Vector {
	if typeName == "" {
		typeName = "*"
	}
	return &Vector{Kind: VectorKindObject, Fixed: fixed, TypeName: typeName, Items: items}
}

// Traits describes an AMF3 class: its registered alias (empty for an
// anonymous object), the ordered list of sealed property names, and
// whether the class is dynamic (accepts additional runtime properties)
// or externalizable (serializes itself via a callback).
type Traits struct {
	Alias          string
	Properties     []string
	Dynamic        bool
	Externalizable bool
}

// cacheKey returns the string used to detect "same traits" across writes
// and to remember traits across reads. The
// separator (NUL) cannot appear in an ActionScript identifier or a
// registered alias.
func (t Traits) cacheKey() string {
	key := t.Alias
	for _, p := range t.Properties {
		key += "\x00" + p
	}
	return key
}

// Object is an AMF3 typed or anonymous object. Sealed holds values for
// each name in Traits.Properties (same order); Dynamic holds additional
// runtime properties when Traits.Dynamic is set; External holds the
// externalizable payload when Traits.Externalizable is set.
type Object struct {
	Traits  Traits
	Sealed  map[string]any
	Dynamic map[string]any
	// DynamicOrder records insertion order of Dynamic properties.
	DynamicOrder []string
	// External, when non-nil, is serialized via its WriteExternal/
	// ReadExternal hooks instead of Sealed/Dynamic.
	External Externalizable
}

// NewObject creates an anonymous dynamic object (no registered alias, no
// fixed sealed properties — the common case for untyped remoting bodies).
func NewObject() *Object {
	return &Object{Traits: Traits{Dynamic: true}}
}

// NewTypedObject creates an object with a registered alias and a fixed
// sealed-property list.
func NewTypedObject(alias string, properties []string) *Object {
	return &Object{
		Traits: Traits{Alias: alias, Properties: properties},
		Sealed: make(map[string]any, len(properties)),
	}
}

// SetDynamic adds or overwrites a dynamic property, preserving first-seen
// order for deterministic encoding.
func (o *Object) SetDynamic(name string, value any) {
	if o.Dynamic == nil {
		o.Dynamic = make(map[string]any)
	}
	if _, exists := o.Dynamic[name]; !exists {
		o.DynamicOrder = append(o.DynamicOrder, name)
	}
	o.Dynamic[name] = value
}

// Externalizable is implemented by types that serialize themselves
// directly onto the wire rather than through the sealed/dynamic property
// protocol.
type Externalizable interface {
	WriteExternal(enc *Encoder) error
	ReadExternal(dec *Decoder) error
}
