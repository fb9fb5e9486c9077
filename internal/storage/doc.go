// Package storage is the SQLite persistence layer.
//
// One DB handle is shared by all services; SQLite prefers a single writer,
// so the pool is capped at one connection and WAL journaling is enabled.
// Each store method is its own implicit transaction unless noted otherwise,
// which lets callers commit progress incrementally across multi-step flows.
package storage
