package pipeline

import (
	"reflect"
	"time"

	"github.com/banshee-data/flowtrack/internal/flow"
)

// PersistenceSink writes pipeline outputs (finished tracks, per-frame
// rollups) to storage. It is an adapter, not a domain layer, so
// implementations live outside internal/flow (e.g. internal/flow/storage/sqlite).
type PersistenceSink interface {
	// PersistLostTracks archives the tracks retired on a frame.
	PersistLostTracks(tracks []flow.Track) error
	// PersistFrameMetrics records one per-frame rollup row.
	PersistFrameMetrics(m flow.FrameMetrics, frameTime time.Time) error
}

// Pruner trims aged rollup rows. A PersistenceSink that also implements
// Pruner is invoked periodically by the Runner so per-frame tables do not
// grow without bound during long runs.
type Pruner interface {
	PruneFrameStats(olderThan time.Time) (int64, error)
}

// PublishSink sends each processed track set to live consumers
// (monitor stats, HTTP chart endpoints).
type PublishSink interface {
	PublishTrackSet(ts *flow.TrackSet)
}

// OverlaySink receives each frame together with the tracks solved on it,
// for renderers that need the pixels as well as the geometry (trail
// plotters, annotated frame writers).
type OverlaySink interface {
	OverlayFrame(frame *flow.Frame, ts *flow.TrackSet)
}

// isNilInterface checks if an interface value is nil or contains a nil pointer.
// This handles the Go interface nil pitfall where interface{} != nil but the underlying value is nil.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}
