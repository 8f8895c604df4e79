// Package session implements the ephemeral session lifecycle: single-use
// token issuance with per-identifier rate limiting, the two-seat join
// protocol with reclaim semantics, lazy wall-clock state transitions, and
// the abuse report workflow that force-terminates sessions.
//
// The state transition table lives in Advance; every operation that reads or
// mutates a session applies it first, inside the same store transaction, so
// a caller never observes a status behind what the clock dictates.
package session
