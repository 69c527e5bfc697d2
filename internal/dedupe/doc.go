// Package dedupe remembers recently seen keys for a bounded time window so a
// redelivered item can be recognised and dropped.
package dedupe
