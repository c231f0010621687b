// Package subscription decides how much equipment data the viewer asks for.
//
// A Manager tracks the UI situation (mode, panel, selection), maps it to a
// named context and, through a fixed table, to a data level for all
// equipment, a level for the selected equipment and a desired socket
// posture. Every change is sent as a subscription_change directive over the
// active transport and published on the event bus. The package never opens
// or closes sockets.
package subscription
