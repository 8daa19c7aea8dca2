// Package metrics defines Prometheus counters for the hu CLI, covering login
// attempts and failures, token refreshes, device-flow polling, and loopback
// callback requests.
package metrics
