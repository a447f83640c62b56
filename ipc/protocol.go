// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the daemon's local transport: newline-
// delimited JSON messages over a per-user Unix socket. Producers
// submit events, consumers query and subscribe, and the daemon pushes
// heartbeats so clients can detect a hung peer.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vidurai-project/vidurai/archive"
	"github.com/vidurai-project/vidurai/event"
	"github.com/vidurai-project/vidurai/stabilizer"
)

// ProtocolVersion is the wire protocol version carried in every
// message's "v" field. Messages with a different version are rejected.
const ProtocolVersion = 1

// Message types. Clients send ping, event, event_batch, query, stats,
// and subscribe; the daemon replies with pong, ack, error,
// query_result, and stats_result, and pushes event and heartbeat
// messages unprompted.
const (
	TypePing      = "ping"
	TypePong      = "pong"
	TypeEvent     = "event"
	TypeBatch     = "event_batch"
	TypeQuery     = "query"
	TypeStats     = "stats"
	TypeSubscribe = "subscribe"

	TypeAck         = "ack"
	TypeError       = "error"
	TypeQueryResult = "query_result"
	TypeStatsResult = "stats_result"
	TypeHeartbeat   = "heartbeat"
)

// Message is the wire envelope. One message per line; the trailing
// newline is the frame delimiter.
type Message struct {
	V    int    `json:"v"`
	Type string `json:"type"`

	// TS is the message timestamp in epoch milliseconds. Distinct from
	// the epoch-seconds event timestamps inside payloads.
	TS int64 `json:"ts"`

	// ID correlates a response with its request. Requests without an
	// ID are fire-and-forget: the daemon processes them but sends no
	// reply.
	ID string `json:"id,omitempty"`

	// OK marks a successful response (pong, ack, results).
	OK bool `json:"ok,omitempty"`

	// Error carries the failure reason on error responses.
	Error string `json:"error,omitempty"`

	// Data is the type-specific payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message of the given type stamped with now.
func NewMessage(messageType string, now time.Time) *Message {
	return &Message{
		V:    ProtocolVersion,
		Type: messageType,
		TS:   now.UnixMilli(),
	}
}

// AppendLine appends the message's NDJSON frame (including newline).
func (m *Message) AppendLine(buffer []byte) ([]byte, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return buffer, fmt.Errorf("encoding message: %w", err)
	}
	buffer = append(buffer, encoded...)
	return append(buffer, '\n'), nil
}

// ParseMessage decodes one NDJSON line. The version is checked here so
// every caller gets the same rejection behavior.
func ParseMessage(line []byte) (*Message, error) {
	var message Message
	if err := json.Unmarshal(line, &message); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	if message.V != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", message.V)
	}
	if message.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return &message, nil
}

// SetData marshals a payload into the message's Data field.
func (m *Message) SetData(payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding message data: %w", err)
	}
	m.Data = encoded
	return nil
}

// DecodeData unmarshals the message's Data field into target.
func (m *Message) DecodeData(target any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message has no data")
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("decoding message data: %w", err)
	}
	return nil
}

// BatchPayload is the data field of an event_batch message.
type BatchPayload struct {
	Events []*event.Envelope `json:"events"`
}

// QueryPayload is the data field of a query message. Semantics match
// archive.QueryOptions.
type QueryPayload struct {
	EventTypes []string `json:"event_types,omitempty"`
	Project    string   `json:"project,omitempty"`
	StartTime  float64  `json:"start_time,omitempty"`
	EndTime    float64  `json:"end_time,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// QueryResult is the data field of a query_result message.
type QueryResult struct {
	Events []*event.Envelope `json:"events"`
	Count  int               `json:"count"`
}

// SubscribePayload is the data field of a subscribe message. Replay
// requests up to that many recent events be pushed immediately before
// live delivery begins.
type SubscribePayload struct {
	EventTypes []string `json:"event_types,omitempty"`
	Replay     int      `json:"replay,omitempty"`
}

// StatsResult is the data field of a stats_result message.
type StatsResult struct {
	Stabilizer stabilizer.Stats `json:"stabilizer"`
	Archive    archive.Stats    `json:"archive"`
	Uptime     float64          `json:"uptime_seconds"`
}

// PushedEvent is the data field of a pushed event message: the
// stabilized envelope plus how many raw submissions collapsed into it.
type PushedEvent struct {
	event.Envelope
	DebounceCount int `json:"debounce_count,omitempty"`
}
