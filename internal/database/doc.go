// Package database provides the connection pool for the history store.
//
// The history store is PostgreSQL (optionally TimescaleDB) holding:
//   - site_transitions: every connection state change
//   - site_reconnect_failures: sites that exhausted their reconnect budget
//   - site_quality_snapshots: periodic tracker summaries
package database
