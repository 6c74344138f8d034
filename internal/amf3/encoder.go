package amf3

import (
	"bytes"
	"math"
)

// Encoder serializes amf3 values to their wire representation, tracking
// the three reference tables a session needs: object, string, and
// traits. A single Encoder must not be reused
// concurrently; Encode resets all three tables at the start of every
// top-level value.
type Encoder struct {
	buf      bytes.Buffer
	objRefs  map[any]uint32
	strRefs  map[string]uint32
	trRefs   map[string]uint32
	registry *AliasRegistry
}

// NewEncoder creates an Encoder that resolves externalizable aliases
// against registry. Pass nil to use DefaultRegistry.
func NewEncoder(registry *AliasRegistry) *Encoder {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Encoder{registry: registry}
}

// Encode serializes v and returns the wire bytes. On error the partial
// output is discarded: a failed write leaves the stream in a state
// callers must treat as unusable, so Encode never returns partial
// bytes alongside an error.
func (e *Encoder) Encode(v any) ([]byte, error) {
	e.reset()
	if err := e.writeValue(v); err != nil {
		return nil, err
	}
	return append([]byte(nil), e.buf.Bytes()...), nil
}

func (e *Encoder) reset() {
	e.buf.Reset()
	e.objRefs = make(map[any]uint32)
	e.strRefs = make(map[string]uint32)
	e.trRefs = make(map[string]uint32)
}

func (e *Encoder) writeValue(v any) error {
	switch val := v.(type) {
	case nil:
		return e.buf.WriteByte(byte(MarkerNull))
	case Undefined:
		return e.buf.WriteByte(byte(MarkerUndefined))
	case bool:
		if val {
			return e.buf.WriteByte(byte(MarkerTrue))
		}
		return e.buf.WriteByte(byte(MarkerFalse))
	case int:
		return e.writeInt(int64(val))
	case int32:
		return e.writeInt(int64(val))
	case int64:
		return e.writeInt(val)
	case float64:
		return e.writeDouble(val)
	case string:
		return e.writeString(val)
	case *Date:
		return e.writeDate(val)
	case *ByteArray:
		return e.writeByteArray(val)
	case *Array:
		return e.writeArray(val)
	case *Vector:
		return e.writeVector(val)
	case *Object:
		return e.writeObject(val)
	default:
		return newErr(KindUnsupportedMarker, "unsupported Go type %T", v)
	}
}

func (e *Encoder) writeInt(v int64) error {
	if v < minInt28 || v > maxInt28 {
		return e.writeDouble(float64(v))
	}
	if err := e.buf.WriteByte(byte(MarkerInteger)); err != nil {
		return err
	}
	return writeU29(&e.buf, encodeSignedInt29(int32(v)))
}

func (e *Encoder) writeDouble(v float64) error {
	if err := e.buf.WriteByte(byte(MarkerDouble)); err != nil {
		return err
	}
	var b [8]byte
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (56 - 8*i))
	}
	_, err := e.buf.Write(b[:])
	return err
}

// writeString writes the String marker and the reference-or-inline body.
// Callers that need a bare string body (no leading marker — used for
// object property names and trait alias strings) should call
// writeStringBody directly.
func (e *Encoder) writeString(s string) error {
	if err := e.buf.WriteByte(byte(MarkerString)); err != nil {
		return err
	}
	return e.writeStringBody(s)
}

func (e *Encoder) writeStringBody(s string) error {
	if s == "" {
		return writeU29(&e.buf, 1)
	}
	if idx, ok := e.strRefs[s]; ok {
		return writeU29(&e.buf, idx<<1)
	}
	e.strRefs[s] = uint32(len(e.strRefs))
	if err := writeU29(&e.buf, (uint32(len(s))<<1)|1); err != nil {
		return err
	}
	_, err := e.buf.WriteString(s)
	return err
}

func (e *Encoder) writeDate(d *Date) error {
	if err := e.buf.WriteByte(byte(MarkerDate)); err != nil {
		return err
	}
	if idx, ok := e.objRefs[d]; ok {
		return writeU29(&e.buf, idx<<1)
	}
	e.objRefs[d] = uint32(len(e.objRefs))
	if err := writeU29(&e.buf, 1); err != nil {
		return err
	}
	return e.writeRawDouble(float64(d.Time.UnixMilli()))
}

func (e *Encoder) writeRawDouble(v float64) error {
	var b [8]byte
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (56 - 8*i))
	}
	_, err := e.buf.Write(b[:])
	return err
}

func (e *Encoder) writeByteArray(b *ByteArray) error {
	if err := e.buf.WriteByte(byte(MarkerByteArray)); err != nil {
		return err
	}
	if idx, ok := e.objRefs[b]; ok {
		return writeU29(&e.buf, idx<<1)
	}
	e.objRefs[b] = uint32(len(e.objRefs))
	if err := writeU29(&e.buf, (uint32(len(b.Data))<<1)|1); err != nil {
		return err
	}
	_, err := e.buf.Write(b.Data)
	return err
}

func (e *Encoder) writeArray(a *Array) error {
	if err := e.buf.WriteByte(byte(MarkerArray)); err != nil {
		return err
	}
	if idx, ok := e.objRefs[a]; ok {
		return writeU29(&e.buf, idx<<1)
	}
	e.objRefs[a] = uint32(len(e.objRefs))

	if err := writeU29(&e.buf, (uint32(len(a.Dense))<<1)|1); err != nil {
		return err
	}
	for _, key := range a.AssocOrder {
		if err := e.writeStringBody(key); err != nil {
			return err
		}
		if err := e.writeValue(a.Assoc[key]); err != nil {
			return err
		}
	}
	// Empty string terminates the associative portion.
	if err := e.writeStringBody(""); err != nil {
		return err
	}
	for _, item := range a.Dense {
		if err := e.writeValue(item); err != nil {
			return err
		}
	}
	return nil
}

// vectorMarker maps a VectorKind to its wire marker (0x0D-0x10).
func vectorMarker(kind VectorKind) (Marker, error) {
	switch kind {
	case VectorKindInt:
		return MarkerVectorInt, nil
	case VectorKindUint:
		return MarkerVectorUint, nil
	case VectorKindDouble:
		return MarkerVectorDouble, nil
	case VectorKindObject:
		return MarkerVectorObject, nil
	default:
		return 0, newErr(KindUnsupportedMarker, "unknown vector kind %d", kind)
	}
}

func (e *Encoder) writeFixed32(v uint32) error {
	var b [4]byte
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
	_, err := e.buf.Write(b[:])
	return err
}

// writeVector writes one of the four vector markers followed by the
// ref-or-inline header, the fixed flag, (for an object vector) the
// element type name, and the elements themselves — raw fixed-width
// values for int/uint/double vectors, full AMF3 values for an object
// vector.
func (e *Encoder) writeVector(v *Vector) error {
	marker, err := vectorMarker(v.Kind)
	if err != nil {
		return err
	}
	if err := e.buf.WriteByte(byte(marker)); err != nil {
		return err
	}
	if idx, ok := e.objRefs[v]; ok {
		return writeU29(&e.buf, idx<<1)
	}
	e.objRefs[v] = uint32(len(e.objRefs))

	if err := writeU29(&e.buf, (uint32(len(v.Items))<<1)|1); err != nil {
		return err
	}
	if err := e.buf.WriteByte(boolByte(v.Fixed)); err != nil {
		return err
	}
	if v.Kind == VectorKindObject {
		typeName := v.TypeName
		if typeName == "" {
			typeName = "*"
		}
		if err := e.writeStringBody(typeName); err != nil {
			return err
		}
	}
	for _, item := range v.Items {
		switch v.Kind {
		case VectorKindInt:
			n, _ := item.(int32)
			if err := e.writeFixed32(uint32(n)); err != nil {
				return err
			}
		case VectorKindUint:
			n, _ := item.(uint32)
			if err := e.writeFixed32(n); err != nil {
				return err
			}
		case VectorKindDouble:
			f, _ := item.(float64)
			if err := e.writeRawDouble(f); err != nil {
				return err
			}
		case VectorKindObject:
			if err := e.writeValue(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Encoder) writeObject(o *Object) error {
	if err := e.buf.WriteByte(byte(MarkerObject)); err != nil {
		return err
	}
	if idx, ok := e.objRefs[o]; ok {
		return writeU29(&e.buf, idx<<1)
	}
	e.objRefs[o] = uint32(len(e.objRefs))

	if o.Traits.Externalizable {
		if o.External == nil {
			return newErr(KindUnknownAlias, "externalizable object has no External payload")
		}
		alias := o.Traits.Alias
		if alias == "" {
			if a, ok := e.registry.AliasFor(o.External); ok {
				alias = a
			}
		}
		if alias == "" {
			return newErr(KindUnknownAlias, "externalizable value %T has no registered alias", o.External)
		}
		if err := e.writeTraitsHeader(Traits{Alias: alias, Externalizable: true}); err != nil {
			return err
		}
		return o.External.WriteExternal(e)
	}

	if err := e.writeTraitsHeader(o.Traits); err != nil {
		return err
	}
	for _, name := range o.Traits.Properties {
		if err := e.writeValue(o.Sealed[name]); err != nil {
			return err
		}
	}
	if o.Traits.Dynamic {
		for _, name := range o.DynamicOrder {
			if err := e.writeStringBody(name); err != nil {
				return err
			}
			if err := e.writeValue(o.Dynamic[name]); err != nil {
				return err
			}
		}
		if err := e.writeStringBody(""); err != nil {
			return err
		}
	}
	return nil
}

// writeTraitsHeader writes the trait reference-or-inline header followed
// by the alias and sealed property names. Header bit layout: bit0=1
// inline value, bit1=1 inline traits, bit2=externalizable,
// bit3=dynamic, bits4+=sealed property count.
func (e *Encoder) writeTraitsHeader(t Traits) error {
	key := t.cacheKey()
	if idx, ok := e.trRefs[key]; ok {
		return writeU29(&e.buf, (idx<<2)|0x01)
	}
	e.trRefs[key] = uint32(len(e.trRefs))

	header := uint32(0x03) // inline (bit0=1), not-a-reference marker bit1=1
	if t.Externalizable {
		header |= 0x04
	}
	if t.Dynamic {
		header |= 0x08
	}
	header |= uint32(len(t.Properties)) << 4
	if err := writeU29(&e.buf, header); err != nil {
		return err
	}
	if err := e.writeStringBody(t.Alias); err != nil {
		return err
	}
	for _, name := range t.Properties {
		if err := e.writeStringBody(name); err != nil {
			return err
		}
	}
	return nil
}
