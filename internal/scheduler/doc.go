// Package scheduler runs the background remote-pull loop.
//
// Each tick sleeps interval plus a uniform random jitter, then executes the
// pull task under a running-flag guard: ticks that land while a pull is in
// flight are dropped, never queued. Success resets the failure backoff to its
// floor; failure records last_error, sleeps the current backoff inside the
// same tick, and doubles it (capped at the configured maximum) for the next
// failure. Cancellation interrupts either sleep promptly and leaves the state
// consistent.
package scheduler
