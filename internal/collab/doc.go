// Package collab implements the collaborative grid-editing core: the session registry,
// the cell lock table, the broadcast router, and the per-workspace event loop that runs the
// join/edit/commit/leave state machine.
//
// Concurrency model:
//   - One Workspace owns one registry, one lock table and one router.
//   - Every state transition runs on the Workspace.Run goroutine, so lock arbitration is
//     first-come-first-served in inbox order.
//   - The cell write in a commit is the only blocking step. It runs off-loop and re-enters the
//     loop as a command; the lock stays held until it does.
//
// Transport concerns (framing, heartbeats, origin policy) live in package realtime.
package collab
