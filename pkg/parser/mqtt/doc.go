// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt extracts the client identifier from the opening bytes of
// an MQTT 3.1.1 stream.
//
// The proxy is byte-transparent: it never re-frames or rewrites MQTT
// traffic. The only protocol knowledge it needs is the client
// identifier carried by the CONNECT packet, which keys the per-client
// rate limiter. ExtractClientID therefore works on a peeked prefix of
// the stream and performs a full variable-header walk via the paho
// packet codec, rather than assuming a fixed client-identifier offset.
// Anything that does not decode as a complete CONNECT packet is
// reported as unrecognized and the caller falls back to addressing the
// client by peer IP.
package mqtt
