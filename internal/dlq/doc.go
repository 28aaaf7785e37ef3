// Package dlq drains the dead-letter queue back to the remote source.
//
// The worker wakes on a fixed interval, fetches the oldest entries, retries
// their delivery with a bounded number of in-flight attempts, and deletes the
// successes in one batched call. A crash between delivery and deletion can
// leave delivered entries queued; redelivery is expected to be idempotent on
// the remote side.
package dlq
