// Package writer persists connection history to the history store.
//
// HistoryWriter subscribes to the event bus and batches:
//   - state transitions into site_transitions
//   - reconnect exhaustion into site_reconnect_failures
//   - periodic tracker summaries into site_quality_snapshots
//
// All tables are append-only.
package writer
