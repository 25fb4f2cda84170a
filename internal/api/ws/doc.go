// Package ws provides the WebSocket control plane for terminal sessions.
//
// Each connection can create, attach to and drive any number of
// terminals. Output of a terminal goes to every connection attached to it;
// lifecycle events go to every connection.
//
// Features:
//   - Bounded per-connection send queue that drops the oldest frame
//   - Ping/pong keep-alive with read and write deadlines
//   - Per-connection message rate limiting
//   - Idle detach of terminals nobody is watching
//
// Message Types (Client → Server):
//   - terminal:create, terminal:destroy, terminal:input
//   - terminal:resize, terminal:rename
//   - terminal:attach, terminal:detach
//   - ping: Keep-alive ping
//
// Message Types (Server → Client):
//   - terminals:list: Sent once on connect
//   - terminal:created, terminal:renamed, terminal:destroyed
//   - terminal:output: Output for an attached terminal
//   - terminal:attached: Scrollback to replay, if any
//   - terminal:exit: Terminal ended
//   - terminal:error: A request failed
//
// Example Usage:
//
//	hub := ws.NewHub(manager, ws.DefaultSettings(), logger)
//	router.GET("/ws", hub.HandleConnection)
package ws
