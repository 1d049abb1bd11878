// Package pipeline wires the flow engine to frame sources and output sinks.
//
// It is the composition root: it imports the engine, storage adapters and
// publishers, but none of those packages import pipeline/. The Runner owns
// the frame loop; domain logic stays in the layer packages.
package pipeline
