// Package service keeps the engine session healthy while gapd runs.
//
// The Supervisor owns an event loop fed by a gocron scheduler. Each tick, or
// an explicit Check, runs one health pass against the session manager:
//
//   - a dead session is replaced (and with prestart an absent one created)
//   - an idle session older than health.max_age is recycled
//   - an idle live session is pinged with a bare sentinel; an engine that
//     does not answer is stopped so the next request starts a fresh one
//
// Data flow:
//
//	gocron tick ----> Check() ----> Do loop ----> pass goroutine
//	                                   ^              |
//	                                   |<--- Report --|
//
// Invariants:
//   - At most one pass runs at a time; triggers arriving meanwhile collapse.
//   - A busy session is never pinged or recycled.
//   - Do returns only after the running pass finished.
package service
