// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vidurai-project/vidurai/archive"
	"github.com/vidurai-project/vidurai/event"
	"github.com/vidurai-project/vidurai/lib/testutil"
)

// fakeBackend records submissions and lets tests drive subscriptions.
type fakeBackend struct {
	mutex      sync.Mutex
	submitted  []*event.Envelope
	queried    []archive.QueryOptions
	subscriber func(*event.Stabilized)
	replay     []*event.Stabilized
}

func (b *fakeBackend) SubmitEvent(envelope *event.Envelope) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.submitted = append(b.submitted, envelope)
	return nil
}

func (b *fakeBackend) SubmitBatch(envelopes []*event.Envelope) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.submitted = append(b.submitted, envelopes...)
	return nil
}

func (b *fakeBackend) Query(options archive.QueryOptions) ([]*event.Envelope, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.queried = append(b.queried, options)
	return []*event.Envelope{
		{Timestamp: 100, Type: "file_edit", File: "/a.ts", Project: "p1"},
		{Timestamp: 200, Type: "terminal", Project: "p1"},
	}, nil
}

func (b *fakeBackend) Stats() (StatsResult, error) {
	result := StatsResult{Uptime: 42}
	result.Archive.HotEvents = 7
	return result, nil
}

func (b *fakeBackend) Subscribe(eventTypes []string, handler func(*event.Stabilized)) func() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.subscriber = handler
	return func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		b.subscriber = nil
	}
}

func (b *fakeBackend) Replay(limit int) []*event.Stabilized {
	if limit < len(b.replay) {
		return b.replay[:limit]
	}
	return b.replay
}

func (b *fakeBackend) publish(stabilizedEvent *event.Stabilized) {
	b.mutex.Lock()
	subscriber := b.subscriber
	b.mutex.Unlock()
	if subscriber != nil {
		subscriber(stabilizedEvent)
	}
}

func (b *fakeBackend) submittedCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.submitted)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// startServer runs a server on a fresh socket and returns its path.
func startServer(t *testing.T, backend *fakeBackend, heartbeat time.Duration) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "vidurai-test.sock")
	server, err := NewServer(ServerOptions{
		SocketPath:        socketPath,
		HeartbeatInterval: heartbeat,
		Logger:            quietLogger(),
	}, backend)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	// Wait for the socket to appear.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			return socketPath
		}
		if time.Now().After(deadline) {
			t.Fatal("server socket never appeared")
		}
		time.Sleep(time.Millisecond)
	}
}

func dialClient(t *testing.T, socketPath string) *Client {
	t.Helper()
	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPingPong(t *testing.T) {
	socketPath := startServer(t, &fakeBackend{}, time.Hour)
	client := dialClient(t, socketPath)

	if _, err := client.Ping(testContext(t)); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMalformedLineDoesNotKillConnection(t *testing.T) {
	socketPath := startServer(t, &fakeBackend{}, time.Hour)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Garbage, a frame with the wrong version, then a valid ping.
	if _, err := conn.Write([]byte("this is not json\n{\"v\":99,\"type\":\"ping\",\"id\":\"x\"}\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ping := NewMessage(TypePing, time.Now())
	ping.ID = "after-garbage"
	line, err := ping.AppendLine(nil)
	if err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	responseLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	response, err := ParseMessage(responseLine[:len(responseLine)-1])
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if response.Type != TypePong || response.ID != "after-garbage" {
		t.Errorf("got %+v, want pong for after-garbage", response)
	}
}

func TestOversizedLineDoesNotKillConnection(t *testing.T) {
	socketPath := startServer(t, &fakeBackend{}, time.Hour)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// One line past the frame limit, then a valid ping on the same
	// connection. The oversized line must be drained and discarded, not
	// end the session.
	oversized := make([]byte, maxLineSize+1)
	for i := range oversized {
		oversized[i] = 'x'
	}
	oversized = append(oversized, '\n')
	if _, err := conn.Write(oversized); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ping := NewMessage(TypePing, time.Now())
	ping.ID = "after-oversized"
	line, err := ping.AppendLine(nil)
	if err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	responseLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	response, err := ParseMessage(responseLine[:len(responseLine)-1])
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if response.Type != TypePong || response.ID != "after-oversized" {
		t.Errorf("got %+v, want pong for after-oversized", response)
	}
}

func TestEventSubmission(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startServer(t, backend, time.Hour)
	client := dialClient(t, socketPath)
	ctx := testContext(t)

	envelope := &event.Envelope{Timestamp: 100, Type: "file_edit", File: "/a.ts", Project: "p1"}
	if err := client.SendEvent(ctx, envelope); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if err := client.SendBatch(ctx, []*event.Envelope{
		{Timestamp: 101, Type: "terminal", Project: "p1"},
		{Timestamp: 102, Type: "focus", Project: "p1"},
	}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	if count := backend.submittedCount(); count != 3 {
		t.Errorf("backend received %d events, want 3", count)
	}

	backend.mutex.Lock()
	first := backend.submitted[0]
	backend.mutex.Unlock()
	if first.Type != "file_edit" || first.File != "/a.ts" {
		t.Errorf("first event = %+v, want the submitted file_edit", first)
	}
}

func TestFireAndForgetEvent(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startServer(t, backend, time.Hour)
	client := dialClient(t, socketPath)

	if err := client.SendEventAsync(&event.Envelope{Timestamp: 1, Type: "file_edit", File: "/a.ts"}); err != nil {
		t.Fatalf("SendEventAsync: %v", err)
	}

	// No reply to wait on; poll the backend.
	deadline := time.Now().Add(5 * time.Second)
	for backend.submittedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never reached the backend")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	backend := &fakeBackend{}
	socketPath := startServer(t, backend, time.Hour)
	client := dialClient(t, socketPath)

	results, err := client.Query(testContext(t), archive.QueryOptions{
		EventTypes: []string{"file_edit"},
		Project:    "p1",
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].File != "/a.ts" {
		t.Errorf("results[0].File = %q, want /a.ts", results[0].File)
	}

	backend.mutex.Lock()
	options := backend.queried[0]
	backend.mutex.Unlock()
	if options.Project != "p1" || options.Limit != 10 || len(options.EventTypes) != 1 {
		t.Errorf("backend saw query options %+v", options)
	}
}

func TestStatsRoundTrip(t *testing.T) {
	socketPath := startServer(t, &fakeBackend{}, time.Hour)
	client := dialClient(t, socketPath)

	stats, err := client.Stats(testContext(t))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Uptime != 42 {
		t.Errorf("Uptime = %v, want 42", stats.Uptime)
	}
	if stats.Archive.HotEvents != 7 {
		t.Errorf("Archive.HotEvents = %d, want 7", stats.Archive.HotEvents)
	}
}

func TestSubscribeReceivesPushes(t *testing.T) {
	backend := &fakeBackend{
		replay: []*event.Stabilized{
			{Envelope: &event.Envelope{Timestamp: 1, Type: "file_edit", File: "/old.ts"}, DebounceCount: 2},
		},
	}
	socketPath := startServer(t, backend, time.Hour)
	client := dialClient(t, socketPath)

	pushed := make(chan *Message, 16)
	client.OnPush(func(message *Message) {
		if message.Type == TypeEvent {
			pushed <- message
		}
	})

	if err := client.Subscribe(testContext(t), []string{"file_edit"}, 10); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// The replayed event arrives first.
	replayed := testutil.RequireReceive(t, pushed, 5*time.Second, "replayed event")
	var replayedEvent PushedEvent
	if err := replayed.DecodeData(&replayedEvent); err != nil {
		t.Fatalf("decoding replayed event: %v", err)
	}
	if replayedEvent.File != "/old.ts" || replayedEvent.DebounceCount != 2 {
		t.Errorf("replayed event = %+v", replayedEvent)
	}

	// Then a live publication.
	backend.publish(&event.Stabilized{
		Envelope:      &event.Envelope{Timestamp: 5, Type: "file_edit", File: "/live.ts"},
		DebounceCount: 3,
	})
	live := testutil.RequireReceive(t, pushed, 5*time.Second, "live event")
	var liveEvent PushedEvent
	if err := live.DecodeData(&liveEvent); err != nil {
		t.Fatalf("decoding live event: %v", err)
	}
	if liveEvent.File != "/live.ts" || liveEvent.DebounceCount != 3 {
		t.Errorf("live event = %+v", liveEvent)
	}
}

func TestHeartbeat(t *testing.T) {
	socketPath := startServer(t, &fakeBackend{}, 20*time.Millisecond)
	client := dialClient(t, socketPath)

	heartbeats := make(chan *Message, 16)
	client.OnPush(func(message *Message) {
		if message.Type == TypeHeartbeat {
			heartbeats <- message
		}
	})

	testutil.RequireReceive(t, heartbeats, 5*time.Second, "heartbeat")
}

func TestSocketRemovedOnShutdown(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "vidurai-shutdown.sock")
	server, err := NewServer(ServerOptions{
		SocketPath: socketPath,
		Logger:     quietLogger(),
	}, &fakeBackend{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never appeared")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed on shutdown")
	}
}
