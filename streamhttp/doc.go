// Package streamhttp implements the streaming HTTP transport: JSON-RPC over
// POST, a resumable SSE notification stream over GET, and an optional
// WebSocket endpoint carrying full bidirectional JSON-RPC.
//
// Sessions are identified by the Mcp-Session-Id header. A session is minted
// during initialize and must accompany every later request; an unknown
// session yields 404 so clients know to re-initialize. Out-of-band delivery
// (server-initiated notifications and requests) flows through a broker
// namespace per session, which is what lets SSE consumers resume from
// Last-Event-ID and lets multiple server nodes share one logical session
// when a durable broker backs them.
package streamhttp
