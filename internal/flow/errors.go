package flow

import "errors"

// ErrDegenerateWindow means the solve window has no usable gradient structure
// (the aperture problem): the 2x2 system is singular or near-singular.
var ErrDegenerateWindow = errors.New("degenerate solve window")

// ErrOutOfBounds means a solve window or an updated track position left the
// frame extent.
var ErrOutOfBounds = errors.New("window out of frame bounds")

// ErrNonConvergence means the solver exhausted its iteration budget with the
// window residual still above the ceiling, or the forward-backward
// verification round trip missed the starting point.
var ErrNonConvergence = errors.New("solver did not converge")

// ErrInsufficientFeatures means the selector produced fewer features than
// requested. This is a warning-level condition: it is counted and logged but
// never returned by Step.
var ErrInsufficientFeatures = errors.New("insufficient trackable features")

// ErrFrameGeometry means a frame's dimensions are inconsistent with the
// geometry the engine was initialized with. This is fatal for the stream:
// the engine refuses further Steps until re-initialized.
var ErrFrameGeometry = errors.New("frame geometry mismatch")

// ErrNotInitialized means Step was called before Initialize.
var ErrNotInitialized = errors.New("engine not initialized")
