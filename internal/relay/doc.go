// Package relay implements the message relay server. It accepts websocket
// connections from clients (automation agents) and controllers, dispatches
// ordered action sequences to clients one action at a time, and streams
// results and lifecycle events back to the issuing controllers.
package relay
