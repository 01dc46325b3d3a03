// Package serverrun assembles the full service process: runtime, job
// managers, HTTP and WebSocket servers, and the staged shutdown sequence.
package serverrun
