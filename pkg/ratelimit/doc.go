// Package ratelimit provides token-bucket throttling middleware for the
// short-lived Gin servers hu starts on the loopback interface.
package ratelimit
