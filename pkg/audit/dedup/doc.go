// Package dedup collapses bursts of identical read events.
//
// A QUERY record whose fingerprint matches one accepted within the
// configured window is suppressed before it reaches the signing and
// storage pipeline. Mutating records pass through unconditionally.
//
// MemoryGate keeps the window in process and uses the record timestamp.
// RedisGate shares the window across instances using SETNX with a TTL.
package dedup
