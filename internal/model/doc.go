// Package model defines shared types used across the connection layer.
//
// Conventions:
//   - Enums are lower snake case strings so they serialize as-is in events,
//     directives and the history store
//   - Intervals are time.Duration internally and milliseconds on the wire
//   - Site ids are opaque strings supplied by the host application
package model
