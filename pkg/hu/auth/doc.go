// Package auth obtains and maintains OAuth 2.0 tokens for the hu CLI. It runs
// the authorization code grant with a loopback callback, the device
// authorization grant and client credentials, and keeps the resulting tokens
// in the credentials file or the OS keychain.
package auth
