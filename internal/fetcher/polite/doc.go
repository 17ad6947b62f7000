// Package polite is the rate-limited fetch layer: the only component that
// reaches the network. It groups requests by origin, bounds per-origin
// concurrency, spaces requests with a randomised delay, optionally enforces a
// requests-per-second ceiling, and serves repeat requests from a short-lived
// cache. Concurrent requests for the same URL collapse into one network fetch.
package polite
