// Package sqlite contains the SQLite archive for tracking runs.
//
// All database read/write operations for runs, finished tracks and
// per-frame rollups belong here rather than in internal/flow. This keeps
// the solver and tracker free of SQL noise and makes the storage backend
// swappable in tests. The schema is managed by embedded migrations; see
// migrations/ and the Migrate* methods on DB.
package sqlite
