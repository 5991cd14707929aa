// Package storage is the keyed persistence layer behind the task store.
//
// It holds four record kinds: tasks (kept in creation order), sequence
// enablement settings, quote snapshots and notifier dedup marks. Drivers:
//
//   - memory: process-local maps (tests, dry runs)
//   - file: JSON documents rewritten whole via tmp+rename, plus the dedup journal
//   - sqlite: one row per record (modernc.org/sqlite, embedded migrations)
//   - postgres: one row per record through gorm
package storage
