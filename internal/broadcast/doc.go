// Package broadcast is the hub façade. It owns the stream and process
// registries plus the orphan sweeper, turns process mutations into
// processes-channel events, and forwards operation progress to
// single-operation streams.
//
// Notification is fire-and-forget: a missing stream, an unknown process or a
// dead connection never surfaces as an error. Only RegisterProcess returns
// one, for invalid or duplicate registrations.
package broadcast
