// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bytes"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	stamped := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	message := NewMessage(TypeQuery, stamped)
	message.ID = "req-1"
	if err := message.SetData(QueryPayload{Project: "p1", Limit: 5}); err != nil {
		t.Fatalf("SetData: %v", err)
	}

	line, err := message.AppendLine(nil)
	if err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		t.Error("frame must end with a newline")
	}

	parsed, err := ParseMessage(bytes.TrimSuffix(line, []byte("\n")))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if parsed.Type != TypeQuery || parsed.ID != "req-1" || parsed.V != ProtocolVersion {
		t.Errorf("parsed = %+v", parsed)
	}
	if parsed.TS != stamped.UnixMilli() {
		t.Errorf("TS = %d, want epoch-ms %d", parsed.TS, stamped.UnixMilli())
	}

	var payload QueryPayload
	if err := parsed.DecodeData(&payload); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if payload.Project != "p1" || payload.Limit != 5 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestParseMessageRejections(t *testing.T) {
	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseMessage([]byte(`{"v":2,"type":"ping"}`)); err == nil {
		t.Error("expected error for wrong protocol version")
	}
	if _, err := ParseMessage([]byte(`{"v":1}`)); err == nil {
		t.Error("expected error for missing type")
	}
}
