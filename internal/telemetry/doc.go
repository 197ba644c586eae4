// Package telemetry fans coordinator events out to SSE clients.
//
// Every event gets a monotonic id and, except heartbeats, is kept in a ring
// buffer so a reconnecting client can resume with Last-Event-ID.
package telemetry
