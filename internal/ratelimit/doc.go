// Package ratelimit provides an in-memory token-bucket rate limiter keyed by
// an opaque client string, used to gate the write path. Buckets refill
// continuously (rate tokens per second, capped at burst) and are independent
// per key; no fairness is guaranteed across keys.
package ratelimit
