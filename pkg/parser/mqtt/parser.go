// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// MinConnectBytes is the smallest peeked prefix worth inspecting. A
// CONNECT packet with the standard variable header cannot fit in fewer
// bytes.
const MinConnectBytes = 10

// connectHeader is the CONNECT fixed header byte. CONNECT carries no
// flag bits, so the whole byte is fixed.
const connectHeader = 0x10

// ExtractClientID decodes the MQTT 3.1.1 client identifier from the
// peeked opening bytes of a client stream. The buffer is only read,
// never consumed, so the caller can still forward the original bytes.
//
// The second return value reports whether the buffer was recognized as
// a complete CONNECT packet. An empty client identifier with ok=true is
// a legal outcome: MQTT permits zero-length identifiers.
func ExtractClientID(peeked []byte) (string, bool) {
	if len(peeked) < MinConnectBytes {
		return "", false
	}
	if peeked[0] != connectHeader {
		return "", false
	}

	// Decode through a separate reader over the peeked bytes, so the
	// client stream itself is not read. If the packet is
	// truncated (client identifier length pointing past the buffer) the
	// decode fails and the caller falls back to IP-based identity.
	pkt, err := packets.ReadPacket(bytes.NewReader(peeked))
	if err != nil {
		return "", false
	}

	connect, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		return "", false
	}
	return connect.ClientIdentifier, true
}
