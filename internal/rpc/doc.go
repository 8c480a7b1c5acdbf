// Package rpc is the connection and stub management layer of the bridge.
//
// A Registry holds the procedures and events this process serves, a Server exposes
// it over framed TCP/TLS, a Pool keeps at most one live session per remote address,
// and a Factory turns a (host, port) pair into a Stub whose entries call or emit
// over the pooled session. Bridge ties these together for one process.
package rpc
