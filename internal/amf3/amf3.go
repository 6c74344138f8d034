// Package amf3 implements the AMF3 binary object serialization format used
// by BlazeDS / Flex remoting: variable-length integers, reference tables
// for strings/objects/traits, and traits-based typed-object encoding.
//
// The wire values this codec moves are a closed set (undefined, null,
// boolean, integer, double, string, date, array, object, byte array). Rather
// than walk a runtime's reflection surface to discover fields dynamically,
// callers hand the codec an explicit amf3.Value — a small sum type covering
// that closed set — and typed objects carry an explicit Traits descriptor
// naming their sealed properties up front. This mirrors how the channel and
// agent layers above this package are built: explicit structs and typed
// constructors rather than dynamic dispatch.
package amf3

import "fmt"

// Marker identifies the wire type of an encoded value. It is always
// the first byte of a value's encoding.
type Marker byte

const (
	MarkerUndefined    Marker = 0x00
	MarkerNull         Marker = 0x01
	MarkerFalse        Marker = 0x02
	MarkerTrue         Marker = 0x03
	MarkerInteger      Marker = 0x04
	MarkerDouble       Marker = 0x05
	MarkerString       Marker = 0x06
	MarkerXMLDoc       Marker = 0x07
	MarkerDate         Marker = 0x08
	MarkerArray        Marker = 0x09
	MarkerObject       Marker = 0x0A
	MarkerXML          Marker = 0x0B
	MarkerByteArray    Marker = 0x0C
	MarkerVectorInt    Marker = 0x0D
	MarkerVectorUint   Marker = 0x0E
	MarkerVectorDouble Marker = 0x0F
	MarkerVectorObject Marker = 0x10
	MarkerDictionary   Marker = 0x11
)

// ErrorKind classifies a CodecError.
type ErrorKind string

const (
	KindOverflow          ErrorKind = "Overflow"
	KindUnknownAlias      ErrorKind = "UnknownAlias"
	KindUnsupportedMarker ErrorKind = "UnsupportedMarker"
	KindTruncatedStream   ErrorKind = "TruncatedStream"
)

// CodecError is returned for every encode/decode failure. Kind lets
// callers classify the failure without string matching.
type CodecError struct {
	Kind ErrorKind
	Msg  string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("amf3: %s: %s", e.Kind, e.Msg)
}

func newErr(kind ErrorKind, format string, args ...any) *CodecError {
	return &CodecError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ErrAMF0NotSupported is returned by any entry point asked to operate in
// AMF0 mode. The source this codec is ported from carries disabled AMF0
// code paths; this port never enables them.
var ErrAMF0NotSupported = newErr(KindUnsupportedMarker, "AMF0 not supported")

// minInt28 and maxInt28 bound the signed range an AMF3 u29 integer can
// represent (29 bits, two's complement). Values outside this range are
// promoted to doubles on write.
const (
	minInt28 = -(1 << 28)
	maxInt28 = 1<<28 - 1
)
