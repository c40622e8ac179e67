// Package mcp implements the client side of the Model Context Protocol
// (MCP) over child process stdio.
//
// # Overview
//
// Each Connection supervises one tool server: an external executable
// spawned as a child process that speaks line-delimited JSON-RPC 2.0 on
// its stdin/stdout. The connection owns the full lifecycle:
//
//  1. Spawn: the configured command is started through a
//     process.Spawner, with stdout consumed line by line and stderr
//     drained into the log.
//
//  2. Handshake: initialize is sent and its response validated, the
//     initialized notification follows, and the first tools/list
//     populates the cached tool list. Only then does the connection
//     report StatusRunning.
//
//  3. Requests: tools/call requests are written to stdin and responses
//     correlated strictly by JSON-RPC id. Calls are lazy: a connection
//     that is not running is started first. Ids come from a counter
//     that is never reset, so a response from a previous process
//     instance can never be matched to a current request.
//
//  4. Teardown: on Stop or Close in-flight requests are rejected with
//     ErrConnectionClosed and the child is terminated (stdin EOF, then
//     SIGTERM, then SIGKILL after the grace period). When the child
//     dies on its own, in-flight requests are rejected with
//     ErrProcessExited instead.
//
// # Timeouts
//
// Every request carries its own timer; a request that receives no
// response within the request timeout fails with ErrRequestTimeout and
// its pending entry is removed. A response arriving after that is
// logged and dropped. The handshake as a whole is bounded separately
// by the handshake timeout.
//
// # Status
//
// Connections move through stopped, starting, running, restarting and
// error. Unexpected process exit returns the connection to stopped;
// error is reserved for spawn and handshake failures, so callers can
// tell "never came up" from "went away".
package mcp
