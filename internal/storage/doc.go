// Package storage keeps an append-only journal of relay activity: nodes
// seen and evicted, messages queued, sent, withdrawn and answered, and
// monitor attach/detach. The relay never reads it back on start; the
// journal is for operators and post-mortems.
//
// Backends:
//   - "file": JSON Lines under <path>.journal.jsonl
//   - "sqlite": a single table in a SQLite database (modernc.org/sqlite)
package storage
