// Package orchestrator coordinates the browser and phone sides of wallet operations.
//
// # State machines
//
//   - Pairing: PENDING → BOUND → COMPLETE, or PENDING → EXPIRED
//   - Keygen: PENDING → COMPLETED | EXPIRED
//   - Transaction: PENDING → APPROVED | REJECTED | EXPIRED, APPROVED → FAILED
//   - Agent request: PENDING → SIGNED | REJECTED | EXPIRED
//
// Every session record has an owning principal, a status and an expiry.
// Records leave PENDING at most once: transitions go through
// store.SessionStore.UpdateIfStatus, and a caller that loses the race
// re-reads the record and reports what it found. Expiry is lazy; reading or
// acting on a PENDING record past its deadline first moves it to EXPIRED.
//
// # Notifications
//
// Pushes are best-effort. A failed push is logged and leaves the record's
// notificationSent flag false; it never fails the operation.
//
// # Agent wait
//
// Agent sign requests hold the caller until the phone decides. The waiting
// call subscribes to transition events for its request and re-reads it on
// each event and on a poll tick, so a decision made on another instance is
// seen even when no event reaches this one.
package orchestrator
