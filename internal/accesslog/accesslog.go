// Package accesslog implements the host proxy runtime's access-log sinks:
// invoked once per active message at reset, never more, never less.
package accesslog

import (
	"time"

	"go.uber.org/zap"

	"github.com/trpcmesh/l4proxy/internal/trpc"
)

// ResponseFlag records why a request ended the way it did, surfaced to
// access logs alongside the router's failure matrix.
type ResponseFlag string

const (
	FlagNone          ResponseFlag = ""
	FlagNoRouteFound  ResponseFlag = "NoRouteFound"
	FlagUpstreamReset ResponseFlag = "UpstreamConnectionFailure"
)

// StreamInfo is the per-request telemetry accumulator consumed by access
// logs.
type StreamInfo struct {
	ConnectionID   string
	RequestID      uint32
	Callee         string
	Func           string
	BytesIn        int
	BytesOut       int
	ResponseFlag   ResponseFlag
	UpstreamHost   string
	StartTime      time.Time
	Duration       time.Duration
	OneWay         bool
	LocalReply     bool
	LocalReplyRet  trpc.Ret
}

// Record is one logged outcome for a single active message.
type Record struct {
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	StreamInfo      StreamInfo
}

// Sink is the access-log-sink collaborator: log is invoked once per active
// message at reset.
type Sink interface {
	Log(rec Record)
}

// ZapSink writes one structured log line per Record through zap.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink returns a Sink backed by logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Log(rec Record) {
	si := rec.StreamInfo
	s.logger.Info("request completed",
		zap.String("connection_id", si.ConnectionID),
		zap.Uint32("request_id", si.RequestID),
		zap.String("callee", si.Callee),
		zap.String("func", si.Func),
		zap.Int("bytes_in", si.BytesIn),
		zap.Int("bytes_out", si.BytesOut),
		zap.String("response_flag", string(si.ResponseFlag)),
		zap.String("upstream_host", si.UpstreamHost),
		zap.Duration("duration", si.Duration),
		zap.Bool("one_way", si.OneWay),
		zap.Bool("local_reply", si.LocalReply),
	)
}
