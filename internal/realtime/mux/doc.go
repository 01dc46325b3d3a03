// Package mux implements the per-connection subscription multiplexer.
//
// A Muxer owns exactly one upstream Redis pub/sub connection, pattern-
// subscribed to the fixed wildcard set derived from the connection's
// identity (broadcast, user, household). Many logical subscriptions fan out
// from that single upstream: each holds its own FIFO buffer and wake
// channel, so a slow consumer never blocks the receive loop or its
// siblings, and per-channel delivery order is preserved.
//
// The upstream connection is created lazily on the first Subscribe call;
// concurrent first calls share one in-flight initialization. Closing a
// logical subscription only decrements the per-channel listener count; the
// pattern set is fixed for the connection's lifetime. Closing the Muxer
// tears everything down and is idempotent.
package mux
