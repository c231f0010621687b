// Package eventbus is the process-wide event contract of the connection
// layer. Components publish typed payloads on named topics; the UI and other
// collaborators subscribe. Delivery is synchronous and each subscriber is
// isolated from the panics of others.
package eventbus
