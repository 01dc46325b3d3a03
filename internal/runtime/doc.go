// Package runtime wires the shared store, metrics, and service facades
// for a single process.
package runtime
