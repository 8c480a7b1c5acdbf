// Package session owns the client side of one framed RPC connection.
//
// Ownership boundary:
// - hello / hello.ack handshake codecs
// - call, result, error, emit, list_endpoints and ping wire helpers
// - the pending-call table and the client Session read loop
// - retry backoff and transport security policy
//
// The server half of the connection lives in internal/rpc and reuses the codecs here.
package session
