// Package ws carries realtime events to clients over WebSocket. Each
// connection owns one subscription multiplexer; client frames add and
// remove logical subscriptions within the connection's fixed audience.
package ws
