// Package monitor serves the HTTP inspection surface for a tracking run:
// health and status pages, JSON endpoints over the live engine and the
// archive, debug chart pages, and post-run trail plots.
package monitor
