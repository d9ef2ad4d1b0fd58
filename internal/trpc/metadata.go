package trpc

import (
	"strconv"
	"sync"

	"github.com/trpcmesh/l4proxy/internal/header"
)

// HTTP-shaped header keys, stable across versions because the route matcher
// depends on this exact key set.
const (
	HeaderPath      = ":path"
	HeaderAuthority = ":authority"
	HeaderRequestID = "x-request-id"
	HeaderCaller    = "x-caller"
)

// Metadata is the per-request state built once a request frame's header has
// decoded. It is shared between the active message and its router for the
// lifetime of the request.
type Metadata struct {
	PkgSize uint32
	Request *header.Request

	once        sync.Once
	httpHeaders map[string]string
}

// NewMetadata builds metadata from a decoded request header and the frame's
// total size (pkg_size).
func NewMetadata(pkgSize uint32, req *header.Request) *Metadata {
	return &Metadata{PkgSize: pkgSize, Request: req}
}

// BuildHTTPHeaders lazily computes the HTTP-shaped header view used only to
// reuse an HTTP-style route matcher. Idempotent: the request header is
// immutable after decode, so no invalidation is needed.
func (m *Metadata) BuildHTTPHeaders() map[string]string {
	m.once.Do(func() {
		m.httpHeaders = map[string]string{
			HeaderPath:      m.Request.Func,
			HeaderAuthority: m.Request.Callee,
			HeaderRequestID: strconv.FormatUint(uint64(m.Request.RequestID), 10),
			HeaderCaller:    m.Request.Caller,
		}
	})
	return m.httpHeaders
}
