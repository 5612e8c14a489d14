// Package wire implements Halo's length-prefixed framed message
// protocol, grounded on original_source/net/MessageHeader.h and
// proto/MessageHeader.h. Both C++ headers implement the same 64-bit
// bit-packing (kind in the high 32 bits, payload size in the low 32
// bits) and apply ntohl/htonl per half on little-endian hosts; that is
// exactly two independent big-endian uint32 fields, which
// encoding/binary expresses directly without any endianness
// conditionals.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies a message's payload shape. Values 0 and 1 are fixed
// by the original protocol (None, RawSample) and must never be
// reassigned; the rest are Halo's own extension per spec.md §6.
type Kind uint32

const (
	KindNone Kind = iota
	KindRawSample
	KindClientEnroll
	KindStartSampling
	KindStopSampling
	KindSetSamplingPeriod
	KindCallCountData
	KindDyLibInfo
	KindLoadDyLib
	KindModifyFunction
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindRawSample:
		return "RawSample"
	case KindClientEnroll:
		return "ClientEnroll"
	case KindStartSampling:
		return "StartSampling"
	case KindStopSampling:
		return "StopSampling"
	case KindSetSamplingPeriod:
		return "SetSamplingPeriod"
	case KindCallCountData:
		return "CallCountData"
	case KindDyLibInfo:
		return "DyLibInfo"
	case KindLoadDyLib:
		return "LoadDyLib"
	case KindModifyFunction:
		return "ModifyFunction"
	case KindShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// HeaderSize is the wire size of an encoded Header, in bytes.
const HeaderSize = 8

// Header is the 64-bit message header: kind in the top 32 bits,
// payload size in the bottom 32 bits.
type Header struct {
	Kind Kind
	Size uint32
}

// EncodeHeader serializes h as an 8-byte big-endian wire header: the
// first four bytes are Kind, the next four are Size, each independently
// big-endian — the Go equivalent of the original's per-half
// htonl/setMessageKind/setPayloadSize bit-packing.
func EncodeHeader(h Header) [HeaderSize]byte {
	var out [HeaderSize]byte
	binary.BigEndian.PutUint32(out[0:4], uint32(h.Kind))
	binary.BigEndian.PutUint32(out[4:8], h.Size)
	return out
}

// DecodeHeader parses an 8-byte wire header produced by EncodeHeader.
func DecodeHeader(b [HeaderSize]byte) Header {
	return Header{
		Kind: Kind(binary.BigEndian.Uint32(b[0:4])),
		Size: binary.BigEndian.Uint32(b[4:8]),
	}
}
