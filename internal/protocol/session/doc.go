// Package session owns driver-session timing and retry policy.
//
// Ownership boundary:
// - per-channel call and write deadlines
// - reply size limits handed to the frame decoder
// - bounded fixed/exponential backoff for rendezvous polling
package session
