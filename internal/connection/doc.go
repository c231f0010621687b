// Package connection implements the site connection pool.
//
// The pool:
//   - Keeps one WebSocket per site, dialled at {base}/ws/sites/{id}/{type}?interval={ms}
//   - Derives every site's cadence from the application mode
//     (dashboard: summary/30s; monitoring: full/10s for the selected site,
//     summary/60s for the rest; analysis: paused)
//   - Drives each site's state machine and reports into the tracker
//   - Reconnects abnormal closes with exponential backoff (1s doubling to 30s,
//     10 attempts) and publishes reconnect:failed once when the budget runs out
//   - Decodes inbound frames (optionally gzip-compressed JSON) and publishes
//     them as message events
package connection
