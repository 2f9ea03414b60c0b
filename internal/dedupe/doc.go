// Package dedupe remembers Idempotency-Key headers so a retried create
// request returns the record the first attempt made instead of a second one.
//
// Entries are process-local; a retry that lands on another instance is not
// deduplicated.
package dedupe
