// ABOUTME: Package documentation for the connection gateway.
// ABOUTME: WebSocket accept, heartbeat supervision, and frame routing.

// Package gateway accepts client WebSocket connections and routes wire
// frames to the orchestrator.
//
// Each connection gets a read pump and a single write pump; all outbound
// frames flow through the write pump, so a connection's outbound ordering
// matches emission order even though frame handling itself runs in per-frame
// goroutines. Heartbeat pings go out on a fixed period and a peer that stops
// answering is terminated via the read deadline.
//
// Frame handling is isolated: malformed frames, orchestrator errors, and
// panics all become structured error replies on the offending connection and
// never affect other connections or sessions.
package gateway
