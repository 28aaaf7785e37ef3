// Package server wires the sheetbridge components behind one HTTP surface:
// cached row queries, the validated append pipeline with idempotent replay,
// manual and scheduled sync, and the operator endpoints for schema swaps and
// dead-letter handling.
package server
