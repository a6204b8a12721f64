// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// buildConnect serializes a CONNECT packet with the given client id.
func buildConnect(t *testing.T, clientID string) []byte {
	t.Helper()

	pkt := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	pkt.ClientIdentifier = clientID
	pkt.ProtocolName = "MQTT"
	pkt.ProtocolVersion = 4
	pkt.CleanSession = true
	pkt.Keepalive = 60

	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		t.Fatalf("failed to serialize CONNECT: %v", err)
	}
	return buf.Bytes()
}

func TestExtractClientID(t *testing.T) {
	raw := buildConnect(t, "sensor-42")

	id, ok := ExtractClientID(raw)
	if !ok {
		t.Fatal("CONNECT packet not recognized")
	}
	if id != "sensor-42" {
		t.Errorf("client id = %q, want %q", id, "sensor-42")
	}
}

func TestExtractClientID_Empty(t *testing.T) {
	raw := buildConnect(t, "")

	id, ok := ExtractClientID(raw)
	if !ok {
		t.Fatal("CONNECT with empty client id should still be recognized")
	}
	if id != "" {
		t.Errorf("client id = %q, want empty", id)
	}
}

func TestExtractClientID_TrailingData(t *testing.T) {
	// A CONNECT immediately followed by a PUBLISH in the same peeked
	// window: only the CONNECT matters.
	raw := buildConnect(t, "pipelined")

	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = "t"
	pub.Payload = []byte("x")
	var buf bytes.Buffer
	buf.Write(raw)
	if err := pub.Write(&buf); err != nil {
		t.Fatalf("failed to serialize PUBLISH: %v", err)
	}

	id, ok := ExtractClientID(buf.Bytes())
	if !ok || id != "pipelined" {
		t.Errorf("got (%q, %v), want (%q, true)", id, ok, "pipelined")
	}
}

func TestExtractClientID_NotConnect(t *testing.T) {
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = "some/topic"
	pub.Payload = []byte("payload that is long enough")
	var buf bytes.Buffer
	if err := pub.Write(&buf); err != nil {
		t.Fatalf("failed to serialize PUBLISH: %v", err)
	}

	if _, ok := ExtractClientID(buf.Bytes()); ok {
		t.Error("PUBLISH bytes recognized as CONNECT")
	}
}

func TestExtractClientID_Truncated(t *testing.T) {
	raw := buildConnect(t, "truncated-client-with-long-id")

	// Cut the packet short so the identifier length points past the
	// buffer.
	if _, ok := ExtractClientID(raw[:len(raw)-8]); ok {
		t.Error("truncated CONNECT should not be recognized")
	}
}

func TestExtractClientID_TooShort(t *testing.T) {
	if _, ok := ExtractClientID([]byte{0x10, 0x02, 0x00}); ok {
		t.Error("buffer below the minimum length should not be recognized")
	}
	if _, ok := ExtractClientID(nil); ok {
		t.Error("nil buffer should not be recognized")
	}
}

func TestExtractClientID_Garbage(t *testing.T) {
	garbage := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if _, ok := ExtractClientID(garbage); ok {
		t.Error("HTTP request bytes recognized as CONNECT")
	}
}
