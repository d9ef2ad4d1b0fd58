// Package header encodes and decodes the tRPC request/response headers.
//
// The wire schema is real protobuf (bit-exact, round-trippable), hand-encoded
// with protowire rather than a generated .pb.go, since no .proto definition
// for the tRPC headers exists to compile against. protowire keeps the
// framing honest protobuf wire bytes without inventing a schema compiler
// dependency.
package header

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CallType mirrors the tRPC request_header.call_type field.
type CallType uint32

const (
	CallTypeUnary  CallType = 0
	CallTypeOneway CallType = 1
)

// Field numbers for Request, chosen to match the public tRPC wire schema's
// RequestProtocol message layout.
const (
	reqFieldVersion         = 1
	reqFieldCallType        = 2
	reqFieldRequestID       = 3
	reqFieldTimeout         = 4
	reqFieldCaller          = 5
	reqFieldCallee          = 6
	reqFieldFunc            = 7
	reqFieldContentType     = 10
	reqFieldContentEncoding = 11
)

// Request is the parsed, core-relevant subset of the tRPC request header.
type Request struct {
	RequestID       uint32
	CallType        CallType
	Version         uint32
	ContentType     uint32
	ContentEncoding uint32
	Timeout         uint32
	Caller          string
	Callee          string
	Func            string
}

// Encode serializes r as protobuf wire bytes.
func (r *Request) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, reqFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Version))
	b = protowire.AppendTag(b, reqFieldCallType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.CallType))
	b = protowire.AppendTag(b, reqFieldRequestID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.RequestID))
	b = protowire.AppendTag(b, reqFieldTimeout, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Timeout))
	b = protowire.AppendTag(b, reqFieldCaller, protowire.BytesType)
	b = protowire.AppendString(b, r.Caller)
	b = protowire.AppendTag(b, reqFieldCallee, protowire.BytesType)
	b = protowire.AppendString(b, r.Callee)
	b = protowire.AppendTag(b, reqFieldFunc, protowire.BytesType)
	b = protowire.AppendString(b, r.Func)
	b = protowire.AppendTag(b, reqFieldContentType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ContentType))
	b = protowire.AppendTag(b, reqFieldContentEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ContentEncoding))
	return b
}

// DecodeRequest parses raw protobuf bytes into a Request. It returns an error
// (never panics) on malformed input; the caller (the codec's
// on_decode_request_protocol callback) turns that into HEADER_PARSE_FAILED.
func DecodeRequest(raw []byte) (*Request, error) {
	r := &Request{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("header: bad tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch num {
		case reqFieldVersion:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.Version = uint32(v)
			raw = raw[n:]
		case reqFieldCallType:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.CallType = CallType(v)
			raw = raw[n:]
		case reqFieldRequestID:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.RequestID = uint32(v)
			raw = raw[n:]
		case reqFieldTimeout:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.Timeout = uint32(v)
			raw = raw[n:]
		case reqFieldCaller:
			s, n, err := consumeString(raw)
			if err != nil {
				return nil, err
			}
			r.Caller = s
			raw = raw[n:]
		case reqFieldCallee:
			s, n, err := consumeString(raw)
			if err != nil {
				return nil, err
			}
			r.Callee = s
			raw = raw[n:]
		case reqFieldFunc:
			s, n, err := consumeString(raw)
			if err != nil {
				return nil, err
			}
			r.Func = s
			raw = raw[n:]
		case reqFieldContentType:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.ContentType = uint32(v)
			raw = raw[n:]
		case reqFieldContentEncoding:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.ContentEncoding = uint32(v)
			raw = raw[n:]
		default:
			n, err := skipField(raw, typ)
			if err != nil {
				return nil, err
			}
			raw = raw[n:]
		}
	}
	return r, nil
}

// Field numbers for Response, matching the public tRPC wire schema's
// ResponseProtocol message layout.
const (
	respFieldVersion         = 1
	respFieldCallType        = 2
	respFieldRequestID       = 3
	respFieldContentType     = 9
	respFieldContentEncoding = 10
	respFieldRet             = 4
	respFieldFuncRet         = 5
	respFieldErrorMsg        = 6
)

// Response is the parsed, core-relevant subset of the tRPC response header.
type Response struct {
	RequestID       uint32
	CallType        CallType
	Version         uint32
	ContentType     uint32
	ContentEncoding uint32
	Ret             int32
	FuncRet         int32
	ErrorMsg        string
}

// Success reports whether both status fields indicate success.
func (r *Response) Success() bool {
	return r.Ret == 0 && r.FuncRet == 0
}

// Encode serializes r as protobuf wire bytes.
func (r *Response) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, respFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Version))
	b = protowire.AppendTag(b, respFieldCallType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.CallType))
	b = protowire.AppendTag(b, respFieldRequestID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.RequestID))
	b = protowire.AppendTag(b, respFieldContentType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ContentType))
	b = protowire.AppendTag(b, respFieldContentEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ContentEncoding))
	b = protowire.AppendTag(b, respFieldRet, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(r.Ret)))
	b = protowire.AppendTag(b, respFieldFuncRet, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(r.FuncRet)))
	b = protowire.AppendTag(b, respFieldErrorMsg, protowire.BytesType)
	b = protowire.AppendString(b, r.ErrorMsg)
	return b
}

// DecodeResponse parses raw protobuf bytes into a Response.
func DecodeResponse(raw []byte) (*Response, error) {
	r := &Response{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("header: bad tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch num {
		case respFieldVersion:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.Version = uint32(v)
			raw = raw[n:]
		case respFieldCallType:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.CallType = CallType(v)
			raw = raw[n:]
		case respFieldRequestID:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.RequestID = uint32(v)
			raw = raw[n:]
		case respFieldContentType:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.ContentType = uint32(v)
			raw = raw[n:]
		case respFieldContentEncoding:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.ContentEncoding = uint32(v)
			raw = raw[n:]
		case respFieldRet:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.Ret = int32(uint32(v))
			raw = raw[n:]
		case respFieldFuncRet:
			v, n, err := consumeVarint(raw)
			if err != nil {
				return nil, err
			}
			r.FuncRet = int32(uint32(v))
			raw = raw[n:]
		case respFieldErrorMsg:
			s, n, err := consumeString(raw)
			if err != nil {
				return nil, err
			}
			r.ErrorMsg = s
			raw = raw[n:]
		default:
			n, err := skipField(raw, typ)
			if err != nil {
				return nil, err
			}
			raw = raw[n:]
		}
	}
	return r, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("header: bad varint: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeString(b []byte) (string, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", 0, fmt.Errorf("header: bad length-delimited field: %w", protowire.ParseError(n))
	}
	return string(v), n, nil
}

func skipField(b []byte, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(0, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("header: bad field value: %w", protowire.ParseError(n))
	}
	return n, nil
}
