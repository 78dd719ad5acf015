// Package dispatch runs the broadcast dispatcher.
//
// A poll loop finds due PENDING broadcasts and claims them one by one with an
// atomic conditional update (PENDING -> DISPATCHING); claimed broadcasts are
// handed to a bounded worker pool so a slow audience lookup for one broadcast
// never delays due-time processing of others. The claimant resolves the
// audience, fans delivery out per recipient under a rate limiter with bounded
// per-call timeouts, and completes with markSent (DISPATCHING -> SENT).
//
// Crash safety: if a worker dies after claiming, a recovery sweep (run at
// startup and on a cron interval) resets claims older than the configured
// timeout back to PENDING. The per-(broadcast, recipient) delivery ledger
// makes the retried dispatch idempotent: recipients that already succeeded
// are counted, not re-delivered.
package dispatch
