// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/vidurai-project/vidurai/archive"
	"github.com/vidurai-project/vidurai/event"
	"github.com/vidurai-project/vidurai/lib/clock"
)

// Backend is what the server needs from the daemon: event intake,
// queries, stats, and live subscriptions. The daemon implements it by
// wiring the stabilizer, archiver, and bus together.
type Backend interface {
	// SubmitEvent feeds one raw event into the pipeline.
	SubmitEvent(*event.Envelope) error

	// SubmitBatch feeds a batch of raw events into the pipeline.
	SubmitBatch([]*event.Envelope) error

	// Query answers a historical query across both storage tiers.
	Query(archive.QueryOptions) ([]*event.Envelope, error)

	// Stats reports the current pipeline and storage statistics.
	Stats() (StatsResult, error)

	// Subscribe registers a handler for stabilized events of the given
	// types (all types when empty). The returned function cancels the
	// subscription.
	Subscribe(eventTypes []string, handler func(*event.Stabilized)) (cancel func())

	// Replay returns up to limit recently stabilized events.
	Replay(limit int) []*event.Stabilized
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// SocketPath is the Unix socket to listen on. Required.
	SocketPath string

	// HeartbeatInterval is how often connected clients receive a
	// heartbeat push. Default 30s.
	HeartbeatInterval time.Duration

	// Clock supplies timestamps and the heartbeat ticker. Default
	// clock.Real().
	Clock clock.Clock

	// Logger receives operational logs. Default slog.Default().
	Logger *slog.Logger
}

// maxLineSize bounds one NDJSON frame. 1 MB is generous for any
// event batch; a longer line is discarded and the connection
// survives, same as a malformed one.
const maxLineSize = 1024 * 1024

// writeTimeout is how long a single frame write may take before the
// connection is considered dead.
const writeTimeout = 10 * time.Second

// Server accepts persistent NDJSON connections on a Unix socket.
// Each connection can interleave requests, fire-and-forget event
// submissions, and a live subscription; the server pushes heartbeats
// to every connection.
type Server struct {
	options ServerOptions
	backend Backend
	clock   clock.Clock
	logger  *slog.Logger

	// activeConnections tracks per-connection goroutines for graceful
	// shutdown. Serve waits for them after the listener closes.
	activeConnections sync.WaitGroup

	mutex       sync.Mutex
	connections map[*connection]struct{}
}

// NewServer creates a server for the given backend.
func NewServer(options ServerOptions, backend Backend) (*Server, error) {
	if options.SocketPath == "" {
		return nil, errors.New("ipc: SocketPath is required")
	}
	if backend == nil {
		return nil, errors.New("ipc: backend is required")
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = 30 * time.Second
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Server{
		options:     options,
		backend:     backend,
		clock:       options.Clock,
		logger:      options.Logger,
		connections: make(map[*connection]struct{}),
	}, nil
}

// Serve listens on the Unix socket and dispatches connections until
// ctx is cancelled, then stops accepting and waits for connection
// handlers to finish. Any stale socket file at the path is removed
// before listening, and the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.options.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: removing stale socket %s: %w", s.options.SocketPath, err)
	}

	listener, err := net.Listen("unix", s.options.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: listening on %s: %w", s.options.SocketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.options.SocketPath)
	}()

	// The socket carries one user's event stream; keep it private.
	if err := os.Chmod(s.options.SocketPath, 0o600); err != nil {
		return fmt.Errorf("ipc: restricting socket permissions: %w", err)
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go s.heartbeatLoop(ctx)

	s.logger.Info("ipc server listening", "path", s.options.SocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// heartbeatLoop pushes a heartbeat to every connection on the
// configured interval.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			heartbeat := NewMessage(TypeHeartbeat, s.clock.Now())
			s.mutex.Lock()
			targets := make([]*connection, 0, len(s.connections))
			for target := range s.connections {
				targets = append(targets, target)
			}
			s.mutex.Unlock()
			for _, target := range targets {
				if err := target.write(heartbeat); err != nil {
					s.logger.Debug("heartbeat write failed", "error", err)
				}
			}
		}
	}
}

// connection is one accepted client. Writes from the request handler,
// subscription pushes, and heartbeats are serialized by writeMutex.
type connection struct {
	server *Server
	conn   net.Conn

	writeMutex sync.Mutex

	subscriptionMutex  sync.Mutex
	cancelSubscription func()
}

func (s *Server) handleConnection(conn net.Conn) {
	client := &connection{server: s, conn: conn}

	s.mutex.Lock()
	s.connections[client] = struct{}{}
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		delete(s.connections, client)
		s.mutex.Unlock()
		client.cancel()
		conn.Close()
	}()

	reader := bufio.NewReaderSize(conn, 64*1024)
	frame := make([]byte, 0, 4*1024)
	oversized := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if !oversized {
			frame = append(frame, chunk...)
			if len(frame) > maxLineSize {
				// Stop buffering but keep draining to the delimiter so
				// the next frame starts clean.
				oversized = true
				frame = frame[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		line := bytes.TrimRight(frame, "\r\n")
		switch {
		case oversized:
			s.logger.Warn("skipping oversized message", "limit_bytes", maxLineSize)
			oversized = false
		case len(line) > 0:
			message, parseErr := ParseMessage(line)
			if parseErr != nil {
				// Malformed frames are logged and skipped; the connection
				// survives so one torn write cannot kill a producer.
				s.logger.Warn("skipping malformed message", "error", parseErr)
			} else {
				s.dispatch(client, message)
			}
		}
		frame = frame[:0]

		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read failed", "error", err)
			}
			return
		}
	}
}

// cancel tears down the connection's subscription, if any.
func (c *connection) cancel() {
	c.subscriptionMutex.Lock()
	cancelSubscription := c.cancelSubscription
	c.cancelSubscription = nil
	c.subscriptionMutex.Unlock()
	if cancelSubscription != nil {
		cancelSubscription()
	}
}

// write sends one frame. Safe for concurrent use.
func (c *connection) write(message *Message) error {
	line, err := message.AppendLine(nil)
	if err != nil {
		return err
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.conn.Write(line)
	return err
}

// reply sends a response correlated to the request.
func (s *Server) reply(client *connection, request *Message, messageType string, payload any) {
	response := NewMessage(messageType, s.clock.Now())
	response.ID = request.ID
	response.OK = true
	if payload != nil {
		if err := response.SetData(payload); err != nil {
			s.replyError(client, request, err)
			return
		}
	}
	if err := client.write(response); err != nil {
		s.logger.Debug("response write failed", "type", messageType, "error", err)
	}
}

// replyError sends a failure response. Fire-and-forget requests (no
// ID) get no reply; the failure is only logged.
func (s *Server) replyError(client *connection, request *Message, failure error) {
	s.logger.Warn("request failed", "type", request.Type, "error", failure)
	if request.ID == "" {
		return
	}
	response := NewMessage(TypeError, s.clock.Now())
	response.ID = request.ID
	response.Error = failure.Error()
	if err := client.write(response); err != nil {
		s.logger.Debug("error response write failed", "error", err)
	}
}

func (s *Server) dispatch(client *connection, request *Message) {
	switch request.Type {
	case TypePing:
		s.reply(client, request, TypePong, nil)

	case TypeEvent:
		var envelope event.Envelope
		if err := json.Unmarshal(request.Data, &envelope); err != nil {
			s.replyError(client, request, fmt.Errorf("decoding event: %w", err))
			return
		}
		if err := s.backend.SubmitEvent(&envelope); err != nil {
			s.replyError(client, request, err)
			return
		}
		if request.ID != "" {
			s.reply(client, request, TypeAck, nil)
		}

	case TypeBatch:
		var payload BatchPayload
		if err := json.Unmarshal(request.Data, &payload); err != nil {
			s.replyError(client, request, fmt.Errorf("decoding batch: %w", err))
			return
		}
		if err := s.backend.SubmitBatch(payload.Events); err != nil {
			s.replyError(client, request, err)
			return
		}
		if request.ID != "" {
			s.reply(client, request, TypeAck, nil)
		}

	case TypeQuery:
		var payload QueryPayload
		if len(request.Data) > 0 {
			if err := json.Unmarshal(request.Data, &payload); err != nil {
				s.replyError(client, request, fmt.Errorf("decoding query: %w", err))
				return
			}
		}
		results, err := s.backend.Query(archive.QueryOptions{
			EventTypes: payload.EventTypes,
			Project:    payload.Project,
			StartTime:  payload.StartTime,
			EndTime:    payload.EndTime,
			Limit:      payload.Limit,
		})
		if err != nil {
			s.replyError(client, request, err)
			return
		}
		s.reply(client, request, TypeQueryResult, QueryResult{Events: results, Count: len(results)})

	case TypeStats:
		stats, err := s.backend.Stats()
		if err != nil {
			s.replyError(client, request, err)
			return
		}
		s.reply(client, request, TypeStatsResult, stats)

	case TypeSubscribe:
		var payload SubscribePayload
		if len(request.Data) > 0 {
			if err := json.Unmarshal(request.Data, &payload); err != nil {
				s.replyError(client, request, fmt.Errorf("decoding subscribe: %w", err))
				return
			}
		}
		s.subscribe(client, request, payload)

	default:
		// Unknown types are acknowledged rather than rejected so old
		// daemons tolerate newer producers.
		s.reply(client, request, TypeAck, nil)
	}
}

// subscribe replaces the connection's subscription. Requested replay
// events are pushed before live delivery starts.
func (s *Server) subscribe(client *connection, request *Message, payload SubscribePayload) {
	client.cancel()

	if payload.Replay > 0 {
		wanted := make(map[string]struct{}, len(payload.EventTypes))
		for _, eventType := range payload.EventTypes {
			wanted[eventType] = struct{}{}
		}
		for _, replayed := range s.backend.Replay(payload.Replay) {
			if len(wanted) > 0 {
				if _, ok := wanted[replayed.Envelope.Type]; !ok {
					continue
				}
			}
			s.push(client, replayed)
		}
	}

	cancelSubscription := s.backend.Subscribe(payload.EventTypes, func(stabilizedEvent *event.Stabilized) {
		s.push(client, stabilizedEvent)
	})
	client.subscriptionMutex.Lock()
	client.cancelSubscription = cancelSubscription
	client.subscriptionMutex.Unlock()

	s.reply(client, request, TypeAck, nil)
}

// push sends one stabilized event to a subscribed connection.
func (s *Server) push(client *connection, stabilizedEvent *event.Stabilized) {
	message := NewMessage(TypeEvent, s.clock.Now())
	if err := message.SetData(PushedEvent{
		Envelope:      *stabilizedEvent.Envelope,
		DebounceCount: stabilizedEvent.DebounceCount,
	}); err != nil {
		s.logger.Error("encoding pushed event failed", "error", err)
		return
	}
	if err := client.write(message); err != nil {
		s.logger.Debug("event push failed", "error", err)
	}
}
