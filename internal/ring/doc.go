// Package ring provides the fixed-capacity circular buffer behind every
// bounded history in the connection layer:
//   - state-change history (50 per site)
//   - reconnect history (100 per site)
//   - latency samples (50 per site)
package ring
