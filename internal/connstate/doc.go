// Package connstate implements the per-site connection state machine.
//
// The machine validates every transition against a fixed table, keeps a
// bounded history and notifies listeners synchronously. A panicking listener
// is logged and skipped; it never rolls back the transition or prevents
// other listeners from running.
package connstate
