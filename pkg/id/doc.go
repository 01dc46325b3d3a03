// Package id generates compact, time-ordered identifiers.
//
// IDs are 12 bytes big-endian: [8 bytes ms_timestamp][4 bytes sequence],
// so byte-wise comparison preserves chronological order and ids minted in
// the same millisecond stay strictly increasing. A Generator is safe for
// concurrent use and guards against clock regression by pinning to the last
// observed millisecond.
//
// The realtime layer uses these as process-unique connection ids.
package id
