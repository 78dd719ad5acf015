// Package broadcast holds the core model of a schedulable, targeted
// distribution: a Broadcast wraps either an in-app message payload or a
// ticket-grant reference, carries a Target (everyone, a set of groups, or a
// single user) and a scheduled time, and moves through a small lifecycle:
//
//	PENDING -> SENT       (dispatch worker, via claim)
//	PENDING -> CANCELLED  (console)
//
// DISPATCHING is an internal sub-state used by the worker's atomic claim and
// is never a terminal state. Once SENT or CANCELLED a broadcast is immutable
// history; "resending" is always a re-issue into a fresh PENDING row.
package broadcast
