package service

// Package service wires the daemon around one spawn.Spawner.
//
// Overview
// The Supervisor owns an event loop and a queue of backend Requests.
// Clients submit a Request; the loop dispatches it through the Spawner,
// which either writes it to the live dispatcher or spawns a fresh helper.
//
// Data flow:
//
//   Supervisor              Spawner                 backend helper
//       |                      |                         |
//   Submit -> queue ---------->|                         |
//       | dispatch ----------->| Run() ----------------->| spawn or stdin line
//       |                      | poll: drain stdout      |
//       |<----- line events ---|<------------------------| (stdout lines)
//       |<----- exit event ----|  (child reaped)         |
//       | finish: history rows |                         |
//
// The terminal exit classification of each child closes out every request
// that child served; the rows live in the history database when one is
// configured. Timer mode submits a standing request on a cron or duration
// schedule.
//
// Invariants:
//   - At most one backend child at a time, owned by the Spawner.
//   - Each child produces exactly one terminal event, after its line events.
//   - Requests dispatched to a child are finalized with that child's
//     classification, even across a dispatcher rotation.
//   - Cancellation retires a live dispatcher before Do returns.
