// Package audit writes the append-only JSONL audit trail.
//
// One record is written per validation round and per control action.
// Files are rotated by size and age.
package audit
