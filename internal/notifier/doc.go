// Package notifier fans dispatch lifecycle events (posted, failed, rescheduled, retrying,
// paused) out to subscribers.
//
// Notify never blocks the caller: events are queued per subscriber and delivered by a small
// worker pool with a rate limit, a per-delivery timeout and bounded retries. A failing or
// panicking subscriber only affects its own deliveries; errors are logged and counted.
//
// # History
//
// The service keeps a bounded in-memory history of recent events for the HTTP surface.
// Every event is also mirrored on the event bus as "lifecycle.<kind>".
package notifier
