package trpc

import "github.com/trpcmesh/l4proxy/internal/iobuf"

// stage is the codec's one piece of persistent state.
type stage int

const (
	stageFixedHeader stage = iota
	stageProtoHeader
	stagePayload
)

// Callbacks is the capability set a codec driver injects: one sink for the
// parsed fixed header, one header parser, one sink for the completed frame.
// Both the downstream request checker (internal/conn) and the router's
// upstream response codec (internal/router) implement this with different
// semantics.
type Callbacks interface {
	// OnFixedHeader is invoked once the 16-byte prefix has been peeked.
	// No allocation is committed here; memory commits only once the header
	// parses.
	OnFixedHeader(h FixedHeader)
	// OnDecodeHeader parses the raw proto header bytes. false fails the
	// frame with HeaderParseFailed.
	OnDecodeHeader(raw []byte) bool
	// OnCompleted receives the full frame (prefix + header + body), moved
	// out of the source buffer.
	OnCompleted(frame []byte)
}

// Codec is a streaming decoder: it never blocks and never over-reads.
// It is strictly single-threaded and re-entrant only across OnData calls,
// never within one.
type Codec struct {
	stage            stage
	totalSize        uint32
	protoHeaderSize  uint16
	cb               Callbacks
}

// NewCodec returns a codec in the initial FIXED_HEADER stage.
func NewCodec(cb Callbacks) *Codec {
	return &Codec{cb: cb}
}

// OnData drains as many complete frames as buf currently holds, in order,
// calling back into cb for each. It returns (underflow=true, nil) when buf
// doesn't yet hold a full frame and more data must arrive; it returns a
// *DecodeError on a fatal decode failure. Partial data is never an error.
func (c *Codec) OnData(buf *iobuf.Buffer) (underflow bool, err error) {
	for {
		switch c.stage {
		case stageFixedHeader:
			if buf.Len() < FixedHeaderSize {
				return true, nil
			}
			h := DecodeFixedHeader(buf.Peek(FixedHeaderSize))
			if h.Magic != Magic {
				return false, ErrProtocolInvalid
			}
			c.totalSize = h.TotalSize
			c.protoHeaderSize = h.HeaderSize
			c.cb.OnFixedHeader(h)
			c.stage = stageProtoHeader

		case stageProtoHeader:
			need := FixedHeaderSize + int(c.protoHeaderSize)
			if buf.Len() < need {
				return true, nil
			}
			raw := buf.Peek(need)[FixedHeaderSize:need]
			if !c.cb.OnDecodeHeader(raw) {
				return false, ErrHeaderParseFailed
			}
			c.stage = stagePayload

		case stagePayload:
			if buf.Len() < int(c.totalSize) {
				return true, nil
			}
			frame := buf.Move(int(c.totalSize))
			c.cb.OnCompleted(frame)
			c.stage = stageFixedHeader
			if buf.Len() == 0 {
				return false, nil
			}
			// loop: more back-to-back frames may already be buffered
		}
	}
}
