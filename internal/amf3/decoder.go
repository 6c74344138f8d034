package amf3

import (
	"bytes"
	"io"
	"math"
	"time"
)

// Decoder deserializes amf3 wire bytes, maintaining the same three
// reference tables an Encoder uses, so that a reference header written
// by Encode resolves back to the same decoded instance (pointer
// identity) at every position it occurs.
type Decoder struct {
	r        *bytes.Reader
	objRefs  []any
	strRefs  []string
	trRefs   []Traits
	registry *AliasRegistry
}

// NewDecoder creates a Decoder that resolves externalizable aliases
// against registry. Pass nil to use DefaultRegistry.
func NewDecoder(registry *AliasRegistry) *Decoder {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Decoder{registry: registry}
}

// Decode parses one top-level value from data and returns it.
func (d *Decoder) Decode(data []byte) (any, error) {
	d.r = bytes.NewReader(data)
	d.objRefs = nil
	d.strRefs = nil
	d.trRefs = nil
	return d.readValue()
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, newErr(KindTruncatedStream, "reading marker: %v", err)
	}
	return b, nil
}

func (d *Decoder) readValue() (any, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch Marker(b) {
	case MarkerUndefined:
		return UndefinedValue, nil
	case MarkerNull:
		return nil, nil
	case MarkerFalse:
		return false, nil
	case MarkerTrue:
		return true, nil
	case MarkerInteger:
		u, err := readU29(d.r)
		if err != nil {
			return nil, err
		}
		return int(decodeSignedInt29(u)), nil
	case MarkerDouble:
		return d.readRawDouble()
	case MarkerString:
		return d.readStringBody()
	case MarkerDate:
		return d.readDate()
	case MarkerByteArray:
		return d.readByteArray()
	case MarkerArray:
		return d.readArray()
	case MarkerVectorInt:
		return d.readVector(VectorKindInt)
	case MarkerVectorUint:
		return d.readVector(VectorKindUint)
	case MarkerVectorDouble:
		return d.readVector(VectorKindDouble)
	case MarkerVectorObject:
		return d.readVector(VectorKindObject)
	case MarkerObject:
		return d.readObject()
	default:
		return nil, newErr(KindUnsupportedMarker, "marker 0x%02X not supported", b)
	}
}

func (d *Decoder) readRawDouble() (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, newErr(KindTruncatedStream, "reading double: %v", err)
	}
	var bits uint64
	for _, b := range buf {
		bits = (bits << 8) | uint64(b)
	}
	return math.Float64frombits(bits), nil
}

func (d *Decoder) readStringBody() (string, error) {
	header, err := readU29(d.r)
	if err != nil {
		return "", err
	}
	if header&1 == 0 {
		idx := header >> 1
		if int(idx) >= len(d.strRefs) {
			return "", newErr(KindTruncatedStream, "string reference %d out of range", idx)
		}
		return d.strRefs[idx], nil
	}
	length := header >> 1
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", newErr(KindTruncatedStream, "reading string body: %v", err)
	}
	s := string(buf)
	d.strRefs = append(d.strRefs, s)
	return s, nil
}

func (d *Decoder) readDate() (*Date, error) {
	header, err := readU29(d.r)
	if err != nil {
		return nil, err
	}
	if header&1 == 0 {
		idx := header >> 1
		if int(idx) >= len(d.objRefs) {
			return nil, newErr(KindTruncatedStream, "object reference %d out of range", idx)
		}
		date, ok := d.objRefs[idx].(*Date)
		if !ok {
			return nil, newErr(KindTruncatedStream, "object reference %d is not a date", idx)
		}
		return date, nil
	}
	millis, err := d.readRawDouble()
	if err != nil {
		return nil, err
	}
	date := &Date{Time: time.UnixMilli(int64(millis)).UTC()}
	d.objRefs = append(d.objRefs, date)
	return date, nil
}

func (d *Decoder) readByteArray() (*ByteArray, error) {
	header, err := readU29(d.r)
	if err != nil {
		return nil, err
	}
	if header&1 == 0 {
		idx := header >> 1
		if int(idx) >= len(d.objRefs) {
			return nil, newErr(KindTruncatedStream, "object reference %d out of range", idx)
		}
		ba, ok := d.objRefs[idx].(*ByteArray)
		if !ok {
			return nil, newErr(KindTruncatedStream, "object reference %d is not a byte array", idx)
		}
		return ba, nil
	}
	length := header >> 1
	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return nil, newErr(KindTruncatedStream, "reading byte array body: %v", err)
		}
	}
	ba := &ByteArray{Data: buf}
	d.objRefs = append(d.objRefs, ba)
	return ba, nil
}

func (d *Decoder) readArray() (*Array, error) {
	header, err := readU29(d.r)
	if err != nil {
		return nil, err
	}
	if header&1 == 0 {
		idx := header >> 1
		if int(idx) >= len(d.objRefs) {
			return nil, newErr(KindTruncatedStream, "object reference %d out of range", idx)
		}
		arr, ok := d.objRefs[idx].(*Array)
		if !ok {
			return nil, newErr(KindTruncatedStream, "object reference %d is not an array", idx)
		}
		return arr, nil
	}
	denseLen := header >> 1
	arr := &Array{}
	d.objRefs = append(d.objRefs, arr)

	for {
		key, err := d.readStringBody()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		val, err := d.readValue()
		if err != nil {
			return nil, err
		}
		arr.SetAssoc(key, val)
	}

	arr.Dense = make([]any, denseLen)
	for i := uint32(0); i < denseLen; i++ {
		val, err := d.readValue()
		if err != nil {
			return nil, err
		}
		arr.Dense[i] = val
	}
	return arr, nil
}

func (d *Decoder) readFixed32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, newErr(KindTruncatedStream, "reading fixed32: %v", err)
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

// readVector parses a vector of the given kind: a ref-or-inline header,
// the fixed flag, (for an object vector) the element type name, then
// count elements.
func (d *Decoder) readVector(kind VectorKind) (*Vector, error) {
	header, err := readU29(d.r)
	if err != nil {
		return nil, err
	}
	if header&1 == 0 {
		idx := header >> 1
		if int(idx) >= len(d.objRefs) {
			return nil, newErr(KindTruncatedStream, "object reference %d out of range", idx)
		}
		vec, ok := d.objRefs[idx].(*Vector)
		if !ok {
			return nil, newErr(KindTruncatedStream, "object reference %d is not a vector", idx)
		}
		return vec, nil
	}

	count := header >> 1
	fixedByte, err := d.readByte()
	if err != nil {
		return nil, err
	}
	vec := &Vector{Kind: kind, Fixed: fixedByte != 0}
	d.objRefs = append(d.objRefs, vec)

	if kind == VectorKindObject {
		typeName, err := d.readStringBody()
		if err != nil {
			return nil, err
		}
		vec.TypeName = typeName
	}

	vec.Items = make([]any, count)
	for i := uint32(0); i < count; i++ {
		switch kind {
		case VectorKindInt:
			n, err := d.readFixed32()
			if err != nil {
				return nil, err
			}
			vec.Items[i] = int32(n)
		case VectorKindUint:
			n, err := d.readFixed32()
			if err != nil {
				return nil, err
			}
			vec.Items[i] = n
		case VectorKindDouble:
			f, err := d.readRawDouble()
			if err != nil {
				return nil, err
			}
			vec.Items[i] = f
		case VectorKindObject:
			val, err := d.readValue()
			if err != nil {
				return nil, err
			}
			vec.Items[i] = val
		}
	}
	return vec, nil
}

func (d *Decoder) readObject() (*Object, error) {
	header, err := readU29(d.r)
	if err != nil {
		return nil, err
	}
	if header&1 == 0 {
		idx := header >> 1
		if int(idx) >= len(d.objRefs) {
			return nil, newErr(KindTruncatedStream, "object reference %d out of range", idx)
		}
		obj, ok := d.objRefs[idx].(*Object)
		if !ok {
			return nil, newErr(KindTruncatedStream, "object reference %d is not an object", idx)
		}
		return obj, nil
	}

	traits, err := d.readTraits(header)
	if err != nil {
		return nil, err
	}

	obj := &Object{Traits: traits}
	d.objRefs = append(d.objRefs, obj)

	if traits.Externalizable {
		inst, ok := d.registry.New(traits.Alias)
		if !ok {
			return nil, newErr(KindUnknownAlias, "no registered type for alias %q", traits.Alias)
		}
		if err := inst.ReadExternal(d); err != nil {
			return nil, err
		}
		obj.External = inst
		return obj, nil
	}

	obj.Sealed = make(map[string]any, len(traits.Properties))
	for _, name := range traits.Properties {
		val, err := d.readValue()
		if err != nil {
			return nil, err
		}
		obj.Sealed[name] = val
	}

	if traits.Dynamic {
		for {
			name, err := d.readStringBody()
			if err != nil {
				return nil, err
			}
			if name == "" {
				break
			}
			val, err := d.readValue()
			if err != nil {
				return nil, err
			}
			obj.SetDynamic(name, val)
		}
	}

	return obj, nil
}

// readTraits parses either a traits reference or an inline traits
// descriptor, given the already-consumed header u29.
func (d *Decoder) readTraits(header uint32) (Traits, error) {
	if header&0x02 == 0 {
		idx := header >> 2
		if int(idx) >= len(d.trRefs) {
			return Traits{}, newErr(KindTruncatedStream, "traits reference %d out of range", idx)
		}
		return d.trRefs[idx], nil
	}

	t := Traits{
		Externalizable: header&0x04 != 0,
		Dynamic:        header&0x08 != 0,
	}
	count := header >> 4

	alias, err := d.readStringBody()
	if err != nil {
		return Traits{}, err
	}
	t.Alias = alias

	t.Properties = make([]string, count)
	for i := uint32(0); i < count; i++ {
		name, err := d.readStringBody()
		if err != nil {
			return Traits{}, err
		}
		t.Properties[i] = name
	}

	d.trRefs = append(d.trRefs, t)
	return t, nil
}
