// Package recovery runs a mode-specific playbook after a site connection
// comes back from failed reconnect attempts.
//
// A Handler listens for connection recovered events. For the current
// application mode it waits the strategy's restart delay, switches the
// status transport to the expected connection mode, then runs the named
// actions one after another. The outcome is published as recovery:complete
// or recovery:failed plus a user notice; a failed playbook never changes
// connection state.
package recovery
