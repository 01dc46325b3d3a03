package queue

// Redis key suffixes for queue data structures
const (
	suffixIDs     = "ids"     // Dedup set of known job ids
	suffixWaiting = "waiting" // FIFO list of runnable job ids
	suffixActive  = "active"  // Set of ids currently held by workers
	suffixDelayed = "delayed" // Zset of ids scheduled for retry, scored by due time
	suffixJob     = "job"     // Hash per job
	suffixEvents  = "events"  // Pub/sub channel for queue lifecycle events
)

// queuePrefix returns the base prefix for a queue.
// Format: {namespace}:jobs:{name}
func queuePrefix(namespace, name string) string {
	return namespace + ":jobs:" + name
}

// IDsKey returns the dedup set key.
// Format: {ns}:jobs:{name}:ids
func IDsKey(namespace, name string) string {
	return queuePrefix(namespace, name) + ":" + suffixIDs
}

// WaitingKey returns the runnable list key.
// Format: {ns}:jobs:{name}:waiting
func WaitingKey(namespace, name string) string {
	return queuePrefix(namespace, name) + ":" + suffixWaiting
}

// ActiveKey returns the in-flight set key.
// Format: {ns}:jobs:{name}:active
func ActiveKey(namespace, name string) string {
	return queuePrefix(namespace, name) + ":" + suffixActive
}

// DelayedKey returns the retry schedule key.
// Format: {ns}:jobs:{name}:delayed
func DelayedKey(namespace, name string) string {
	return queuePrefix(namespace, name) + ":" + suffixDelayed
}

// JobKey returns the per-job hash key.
// Format: {ns}:jobs:{name}:job:{id}
func JobKey(namespace, name, id string) string {
	return queuePrefix(namespace, name) + ":" + suffixJob + ":" + id
}

// EventsKey returns the lifecycle event channel name.
// Format: {ns}:jobs:{name}:events
func EventsKey(namespace, name string) string {
	return queuePrefix(namespace, name) + ":" + suffixEvents
}
