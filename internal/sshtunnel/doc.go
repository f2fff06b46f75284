// Package sshtunnel provides the database handle used by the booking API. The
// MySQL server is not reachable from the API host, so every connection is
// carried over an SSH session to a bastion.
//
// # Connection Architecture
//
// A [Provider] owns at most one live connection, made of three layers:
//
//  1. Session: an SSH client connection to SSH_HOST:SSH_PORT, authenticated
//     with a password (keyboard-interactive as fallback).
//  2. Forwarder: a listener on an ephemeral 127.0.0.1 port. Each accepted
//     socket is carried to DB_HOST:DB_PORT over its own direct-tcpip channel,
//     all multiplexed on the one session (SSH -L equivalent).
//  3. Pool: a database/sql pool (go-sql-driver/mysql) pointed at the forwarder,
//     wrapped in a *gorm.DB.
//
// # Lifecycle
//
// [Provider.Acquire] returns the live handle when there is one. Otherwise it
// builds the three layers in order, retrying the whole sequence with a fixed
// delay. The retry budget is shared by all three phases: a forwarding failure
// on attempt 2 leaves the same number of attempts as a handshake failure would.
// Concurrent callers during a build wait on the same attempt (singleflight).
//
// Each attempt has its own deadline covering TCP dial and SSH handshake, so a
// bastion that accepts the socket but never speaks cannot stall a caller.
//
// Once ready, the provider watches the session. When it dies (Wait returns,
// or a keepalive request fails) or a caller reports a connection-lost query
// error via [Provider.ReportError], the connection is discarded and the next
// Acquire builds a new one. Nothing is retried on the failing caller's behalf.
//
// [Provider.Release] tears the layers down in reverse order (pool, forwarder,
// session) and is safe to call any number of times.
//
// # State
//
// State transitions (uninitialized, connecting, ready, closed, failed) are
// kept in a 50-entry ring buffer, and lifecycle events in a 100-entry one.
// Both are exposed for the /api/db/status endpoint.
//
// # Log Prefixes
//
// Logging uses the [db] prefix. Exhausted retries and discarded connections
// are always logged; per-attempt detail only when Options.Debug is set
// (DB_LOG=true).
package sshtunnel
