// Package stats implements the host proxy runtime's stats scope: counters
// and a gauge on lock-free atomics, and a histogram whose bucket map is
// guarded by a mutex.
//
// This is a deliberate standard-library implementation rather than a
// third-party metrics client — see DESIGN.md for the reasoning.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Names of every counter/gauge/histogram SPEC_FULL.md §8 requires, with the
// "trpc.<stat_prefix>." prefix applied by Scope.
const (
	RequestDecodingSuccess   = "request_decoding_success"
	RequestDecodingError     = "request_decoding_error"
	RequestOnewayCall        = "request_oneway_call"
	RequestUnaryCall         = "request_unary_call"
	NoConnPool               = "no_conn_pool"
	DismatchRoute            = "dismatch_route"
	UnknownCluster           = "unknow_cluster"
	ConnPoolFailure          = "conn_pool_failure"
	ConnPoolRemoteClose      = "conn_pool_remote_close"
	ConnPoolLocalClose       = "conn_pool_local_close"
	ResponseSuccess          = "response_success"
	ResponseDecodingError    = "response_decoding_error"
	ResponseDiffRequestID    = "response_different_request_id"
	CxDestroyLocalActiveRq   = "cx_destroy_local_with_active_rq"
	CxDestroyRemoteActiveRq  = "cx_destroy_remote_with_active_rq"
	RequestActive            = "request_active"
	RequestTimeMs            = "request_time_ms"
)

// counterNames lists every counter this package defines, for Snapshot's use
// (the admin HTTP endpoint dumps them by name; sync.Map has no ordered
// enumeration of its own).
var counterNames = []string{
	RequestDecodingSuccess, RequestDecodingError, RequestOnewayCall, RequestUnaryCall,
	NoConnPool, DismatchRoute, UnknownCluster, ConnPoolFailure, ConnPoolRemoteClose,
	ConnPoolLocalClose, ResponseSuccess, ResponseDecodingError, ResponseDiffRequestID,
	CxDestroyLocalActiveRq, CxDestroyRemoteActiveRq,
}

// gaugeNames lists every gauge this package defines.
var gaugeNames = []string{RequestActive}

// Scope is a stat_prefix-scoped set of counters/gauges/histograms.
type Scope struct {
	prefix     string
	counters   sync.Map // string -> *int64
	gauges     sync.Map // string -> *int64
	histograms sync.Map // string -> *histogram
}

// New returns a Scope whose metric names are all "trpc.<statPrefix>.<name>".
func New(statPrefix string) *Scope {
	return &Scope{prefix: "trpc." + statPrefix + "."}
}

func (s *Scope) counter(name string) *int64 {
	v, _ := s.counters.LoadOrStore(name, new(int64))
	return v.(*int64)
}

// Inc increments the named counter by one.
func (s *Scope) Inc(name string) {
	atomic.AddInt64(s.counter(name), 1)
}

// Value returns a counter's current value (test/inspection helper).
func (s *Scope) Value(name string) int64 {
	return atomic.LoadInt64(s.counter(name))
}

func (s *Scope) gauge(name string) *int64 {
	v, _ := s.gauges.LoadOrStore(name, new(int64))
	return v.(*int64)
}

// GaugeAdd adjusts the named gauge by delta (positive or negative).
func (s *Scope) GaugeAdd(name string, delta int64) {
	atomic.AddInt64(s.gauge(name), delta)
}

// GaugeValue returns a gauge's current value.
func (s *Scope) GaugeValue(name string) int64 {
	return atomic.LoadInt64(s.gauge(name))
}

// histogram is a minimal fixed-bucket millisecond histogram. It only needs
// to support one metric (request_time_ms); no percentile math is exposed
// beyond counts per bucket.
type histogram struct {
	mu      sync.Mutex
	buckets map[int64]int64 // upper bound (ms) -> count
}

var bucketBoundsMs = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

func newHistogram() *histogram {
	return &histogram{buckets: make(map[int64]int64, len(bucketBoundsMs)+1)}
}

func (h *histogram) record(ms int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := sort.Search(len(bucketBoundsMs), func(i int) bool { return bucketBoundsMs[i] >= ms })
	var bound int64
	if idx == len(bucketBoundsMs) {
		bound = -1 // overflow bucket
	} else {
		bound = bucketBoundsMs[idx]
	}
	h.buckets[bound]++
}

func (s *Scope) histogramFor(name string) *histogram {
	v, _ := s.histograms.LoadOrStore(name, newHistogram())
	return v.(*histogram)
}

// RecordMs adds one sample (in milliseconds) to the named histogram.
func (s *Scope) RecordMs(name string, ms int64) {
	s.histogramFor(name).record(ms)
}

// Snapshot returns every known counter's and gauge's current value, keyed by
// its bare (unprefixed) name. Used by the admin HTTP endpoint.
func (s *Scope) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(counterNames)+len(gaugeNames))
	for _, name := range counterNames {
		out[name] = s.Value(name)
	}
	for _, name := range gaugeNames {
		out[name] = s.GaugeValue(name)
	}
	return out
}

// BucketCounts returns a snapshot of the named histogram's bucket counts,
// keyed by upper bound in ms (-1 for the overflow bucket). Test helper.
func (s *Scope) BucketCounts(name string) map[int64]int64 {
	h := s.histogramFor(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int64]int64, len(h.buckets))
	for k, v := range h.buckets {
		out[k] = v
	}
	return out
}
