// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the rate-limiting MQTT reverse proxy.
//
// # Overview
//
// The server accepts client TCP connections and pumps bytes between
// each client and the upstream broker. Traffic is never re-framed or
// rewritten; the only inspection is a non-destructive peek at the
// opening bytes to learn the MQTT client identifier, which keys the
// per-client token bucket.
//
//	┌─────────┐         ┌───────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │   Proxy   │ ←─TCP─→ │ Broker  │
//	└─────────┘         └───────────┘         └─────────┘
//	                         ↓
//	                    ┌───────────┐
//	                    │ Limiter   │  allow / deny per chunk
//	                    └───────────┘
//
// # Connection flow
//
//  1. Accept; count the connection.
//  2. Peek up to 1024 bytes; extract the CONNECT client identifier
//     (falling back to IP-based identity on a parse miss).
//  3. Dial the broker, optionally through a circuit breaker.
//  4. Pump both directions in 4096-byte chunks. Client→broker chunks
//     consult the rate limiter: allowed chunks are forwarded, denied
//     chunks are silently dropped. Broker→client chunks always pass.
//  5. When either side closes, both sockets are closed and the
//     disconnect is counted once.
//
// # Cancellation
//
// All blocking reads carry a one-second deadline, so every worker
// observes a cancelled context within one second. The accept loop is
// unblocked by closing the listener once the context is cancelled. No
// lock is held across a socket syscall.
package proxy
