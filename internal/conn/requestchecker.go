package conn

import (
	"github.com/trpcmesh/l4proxy/internal/header"
	"github.com/trpcmesh/l4proxy/internal/stats"
	"github.com/trpcmesh/l4proxy/internal/trpc"
)

// requestChecker drives the downstream codec: on a completed frame it asks
// the connection manager for a new active message and immediately kicks
// off routing. It is deliberately thin — everything stateful about the
// request lives in trpc.Metadata and the active message, not here.
type requestChecker struct {
	manager *Manager

	pendingSize uint32
}

func newRequestChecker(m *Manager) *requestChecker {
	return &requestChecker{manager: m}
}

// OnFixedHeader implements trpc.Callbacks.
func (c *requestChecker) OnFixedHeader(h trpc.FixedHeader) {
	c.pendingSize = h.TotalSize
}

// OnDecodeHeader implements trpc.Callbacks: a false return fails the whole
// connection with HEADER_PARSE_FAILED, since framing state can no longer
// be trusted.
func (c *requestChecker) OnDecodeHeader(raw []byte) bool {
	req, err := header.DecodeRequest(raw)
	if err != nil {
		return false
	}
	c.manager.stats.Inc(stats.RequestDecodingSuccess)
	c.manager.pendingMeta = trpc.NewMetadata(c.pendingSize, req)
	return true
}

// OnCompleted implements trpc.Callbacks: the full original frame (prefix +
// header + body) has arrived. The invariant that frame length equals
// pkg_size is guaranteed by the codec itself (internal/trpc), not
// re-checked here.
func (c *requestChecker) OnCompleted(frame []byte) {
	meta := c.manager.pendingMeta
	c.manager.pendingMeta = nil
	am := c.manager.newActiveMessage(meta, frame)
	am.OnStreamDecoded()
}
