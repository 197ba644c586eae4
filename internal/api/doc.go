// Package api exposes the local control API of the match daemon.
//
// A UI shell drives the coordinator over HTTP/JSON (start, resume, stop,
// status), reads the peer registry, uploads SVG fragments and follows
// coordinator events over SSE. Every JSON response uses the envelope
// {result, data, code, message, correlationId}.
package api
