// Package watch announces session state transitions to waiting callers.
//
// An orchestrator publishes an Event after every successful UpdateIfStatus.
// Agent sign requests block on a subscription for their record, and the
// transaction stream forwards events to a websocket. Events carry no
// authority: receivers re-read the record, and waiters keep a slow fallback
// tick so a dropped event only delays them.
//
// Broadcaster fans out within one process. RedisRelay routes the same events
// through a Redis channel so an approval handled by one instance wakes a wait
// parked on another.
package watch
