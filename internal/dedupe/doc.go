// Package dedupe tracks already-processed platform update keys in a
// time-based cache so redelivered updates are handled at most once.
package dedupe
