// Package registry maps task names to handlers.
//
// A Registry is built explicitly at startup and passed to the engine and the
// scheduler; there is no package-level registry. Each registered Task carries
// its routing (queue, priority), its uniqueness policy and its retry policy,
// and knows how to turn call arguments into a storage row.
package registry
