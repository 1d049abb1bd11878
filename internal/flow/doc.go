// Package flow implements sparse optical-flow tracking over grayscale frame
// sequences: pyramidal Lucas-Kanade displacement solves on a set of selected
// feature points, with track lifecycle management across frames.
//
// The Engine is the entry point: Initialize seeds tracks on the first frame,
// Step advances every live track through the next frame, retires the ones
// that fail, and replenishes the population from fresh corners. Per-track
// solves run on a worker pool; all track mutation happens single-threaded in
// the commit phase, so results are deterministic for a given frame sequence.
package flow
