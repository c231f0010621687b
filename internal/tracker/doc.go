// Package tracker keeps per-site connection statistics.
//
// Each SiteInfo wraps one connstate.Machine and records attempts,
// disconnects and latency samples. A listener on the machine keeps the
// counters in step with the state: leaving the connected family for
// disconnected/error records a disconnect, entering it records a successful
// attempt. The Tracker is the only owner of SiteInfo values.
package tracker
