// Package storage defines the persistence interfaces and records for the
// authorization core: registered clients, authorization requests and codes,
// and access/refresh tokens. Backends are abstracted so the server can run
// against in-memory maps or an external store; durability guarantees beyond
// the interface contract are out of scope.
//
// Single-use state transitions (code consumption, refresh token rotation)
// are expressed as Atomic* methods so that concurrent redemptions have
// exactly one winner regardless of backend.
package storage
