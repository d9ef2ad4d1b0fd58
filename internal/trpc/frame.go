// Package trpc implements the tRPC streaming frame codec: a state machine
// that parses concatenated, partially-buffered frames off an append-only
// byte stream, and the per-request metadata built once a frame's header
// has decoded.
package trpc

import "encoding/binary"

// FixedHeaderSize is the size in bytes of the frame's fixed prefix.
const FixedHeaderSize = 16

// Magic is the constant 2-byte value every tRPC frame starts with.
const Magic uint16 = 0x930B

// DataFrameType distinguishes unary/oneway framing from the streaming
// variants the wire format reserves. Non-zero values are still accepted
// and treated as unary by this core (streaming is a known limitation).
type DataFrameType uint8

const (
	DataFrameTypeUnary DataFrameType = 0
)

// FixedHeader is the 16-byte prefix every frame carries, in wire order.
type FixedHeader struct {
	Magic          uint16
	DataFrameType  DataFrameType
	DataFrameState uint8
	TotalSize      uint32
	HeaderSize     uint16
	StreamID       uint16
	Reserved       uint32
}

// DecodeFixedHeader parses the 16-byte prefix from buf. The caller must have
// already ensured len(buf) >= FixedHeaderSize.
func DecodeFixedHeader(buf []byte) FixedHeader {
	_ = buf[FixedHeaderSize-1] // bounds check hint
	return FixedHeader{
		Magic:          binary.BigEndian.Uint16(buf[0:2]),
		DataFrameType:  DataFrameType(buf[2]),
		DataFrameState: buf[3],
		TotalSize:      binary.BigEndian.Uint32(buf[4:8]),
		HeaderSize:     binary.BigEndian.Uint16(buf[8:10]),
		StreamID:       binary.BigEndian.Uint16(buf[10:12]),
		Reserved:       binary.BigEndian.Uint32(buf[12:16]),
	}
}

// EncodeFixedHeader writes h into a fresh 16-byte slice.
func EncodeFixedHeader(h FixedHeader) []byte {
	buf := make([]byte, FixedHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = byte(h.DataFrameType)
	buf[3] = h.DataFrameState
	binary.BigEndian.PutUint32(buf[4:8], h.TotalSize)
	binary.BigEndian.PutUint16(buf[8:10], h.HeaderSize)
	binary.BigEndian.PutUint16(buf[10:12], h.StreamID)
	binary.BigEndian.PutUint32(buf[12:16], h.Reserved)
	return buf
}

// BodySize returns the payload length implied by h: total_size == 16 +
// header_size + body_len.
func (h FixedHeader) BodySize() uint32 {
	return h.TotalSize - FixedHeaderSize - uint32(h.HeaderSize)
}

// EncodeFrame builds a complete frame: fixed prefix + serialized header +
// body, with total_size/header_size computed from the inputs. Symmetric
// with the decode path.
func EncodeFrame(streamID uint16, frameType DataFrameType, state uint8, rawHeader, body []byte) []byte {
	h := FixedHeader{
		Magic:          Magic,
		DataFrameType:  frameType,
		DataFrameState: state,
		HeaderSize:     uint16(len(rawHeader)),
		StreamID:       streamID,
		TotalSize:      uint32(FixedHeaderSize + len(rawHeader) + len(body)),
	}
	out := make([]byte, 0, h.TotalSize)
	out = append(out, EncodeFixedHeader(h)...)
	out = append(out, rawHeader...)
	out = append(out, body...)
	return out
}
