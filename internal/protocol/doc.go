// Package protocol owns the driver wire contract.
//
// Ownership boundary:
// - frame encode and reply accumulation (frame)
// - single-flight call channel over one connection (channel)
// - channel timing and retry configuration (session)
// - shared error taxonomy and compatibility constants
package protocol
