// Package queue implements a Redis-backed job queue with id-level
// deduplication, at-least-once delivery, and delayed retries.
//
// Layout per queue: a dedup set of known ids, a FIFO waiting list, a set
// of in-flight ids, and a zset of retry-scheduled ids scored by due time.
// Queue lifecycle events (a job becoming runnable, the queue draining)
// are announced on a pub/sub channel so worker managers on any process
// can react without polling.
package queue
