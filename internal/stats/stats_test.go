package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScope_CountersAreIndependentPerName(t *testing.T) {
	s := New("test")
	s.Inc(RequestUnaryCall)
	s.Inc(RequestUnaryCall)
	s.Inc(RequestOnewayCall)

	require.Equal(t, int64(2), s.Value(RequestUnaryCall))
	require.Equal(t, int64(1), s.Value(RequestOnewayCall))
	require.Equal(t, int64(0), s.Value(ResponseSuccess))
}

func TestScope_Gauge(t *testing.T) {
	s := New("test")
	s.GaugeAdd(RequestActive, 3)
	s.GaugeAdd(RequestActive, -1)
	require.Equal(t, int64(2), s.GaugeValue(RequestActive))
}

func TestScope_Histogram(t *testing.T) {
	s := New("test")
	s.RecordMs(RequestTimeMs, 3)
	s.RecordMs(RequestTimeMs, 9999)

	counts := s.BucketCounts(RequestTimeMs)
	require.Equal(t, int64(1), counts[5])
	require.Equal(t, int64(1), counts[-1])
}

func TestScope_Snapshot_IncludesKnownNames(t *testing.T) {
	s := New("test")
	s.Inc(DismatchRoute)
	snap := s.Snapshot()
	require.Equal(t, int64(1), snap[DismatchRoute])
	require.Contains(t, snap, RequestActive)
}
