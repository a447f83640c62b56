// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidurai-project/vidurai/archive"
	"github.com/vidurai-project/vidurai/event"
)

// PushHandler receives unsolicited messages from the daemon: pushed
// events and heartbeats.
type PushHandler func(*Message)

// Client is a connection to the daemon socket. Requests are
// correlated by message ID, so one client can interleave requests
// with a live subscription. Safe for concurrent use.
type Client struct {
	conn net.Conn

	writeMutex sync.Mutex

	mutex   sync.Mutex
	pending map[string]chan *Message
	push    PushHandler
	closed  bool
	readErr error
	done    chan struct{}
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc: connecting to %s: %w", socketPath, err)
	}
	client := &Client{
		conn:    conn,
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// OnPush installs the handler for unsolicited messages. Install it
// before Subscribe or pushed events are dropped.
func (c *Client) OnPush(handler PushHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.push = handler
}

// Close tears down the connection. In-flight requests fail.
func (c *Client) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		message, err := ParseMessage(line)
		if err != nil {
			continue
		}
		c.route(message)
	}

	c.mutex.Lock()
	c.readErr = scanner.Err()
	if c.readErr == nil {
		c.readErr = errors.New("ipc: connection closed")
	}
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
	c.mutex.Unlock()
	close(c.done)
}

func (c *Client) route(message *Message) {
	c.mutex.Lock()
	if message.ID != "" {
		if waiter, ok := c.pending[message.ID]; ok {
			delete(c.pending, message.ID)
			c.mutex.Unlock()
			waiter <- message
			return
		}
	}
	push := c.push
	c.mutex.Unlock()
	if push != nil {
		push(message)
	}
}

// send writes one frame.
func (c *Client) send(message *Message) error {
	line, err := message.AppendLine(nil)
	if err != nil {
		return err
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("ipc: write: %w", err)
	}
	return nil
}

// request sends a message with a correlation ID and waits for the
// response.
func (c *Client) request(ctx context.Context, message *Message) (*Message, error) {
	message.ID = uuid.NewString()
	waiter := make(chan *Message, 1)

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil, errors.New("ipc: client is closed")
	}
	c.pending[message.ID] = waiter
	c.mutex.Unlock()

	if err := c.send(message); err != nil {
		c.mutex.Lock()
		delete(c.pending, message.ID)
		c.mutex.Unlock()
		return nil, err
	}

	select {
	case response, ok := <-waiter:
		if !ok {
			c.mutex.Lock()
			err := c.readErr
			c.mutex.Unlock()
			return nil, err
		}
		if response.Type == TypeError {
			return nil, fmt.Errorf("ipc: daemon error: %s", response.Error)
		}
		return response, nil
	case <-ctx.Done():
		c.mutex.Lock()
		delete(c.pending, message.ID)
		c.mutex.Unlock()
		return nil, ctx.Err()
	}
}

// Ping checks liveness and returns the round-trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	response, err := c.request(ctx, NewMessage(TypePing, start))
	if err != nil {
		return 0, err
	}
	if response.Type != TypePong {
		return 0, fmt.Errorf("ipc: unexpected ping response type %q", response.Type)
	}
	return time.Since(start), nil
}

// SendEvent submits one raw event and waits for the acknowledgement.
func (c *Client) SendEvent(ctx context.Context, envelope *event.Envelope) error {
	message := NewMessage(TypeEvent, time.Now())
	if err := message.SetData(envelope); err != nil {
		return err
	}
	_, err := c.request(ctx, message)
	return err
}

// SendEventAsync submits one raw event without waiting for a reply.
// Producers on hot paths use this form.
func (c *Client) SendEventAsync(envelope *event.Envelope) error {
	message := NewMessage(TypeEvent, time.Now())
	if err := message.SetData(envelope); err != nil {
		return err
	}
	return c.send(message)
}

// SendBatch submits a batch of raw events and waits for the
// acknowledgement.
func (c *Client) SendBatch(ctx context.Context, envelopes []*event.Envelope) error {
	message := NewMessage(TypeBatch, time.Now())
	if err := message.SetData(BatchPayload{Events: envelopes}); err != nil {
		return err
	}
	_, err := c.request(ctx, message)
	return err
}

// Query runs a historical query against the daemon's storage tiers.
func (c *Client) Query(ctx context.Context, options archive.QueryOptions) ([]*event.Envelope, error) {
	message := NewMessage(TypeQuery, time.Now())
	err := message.SetData(QueryPayload{
		EventTypes: options.EventTypes,
		Project:    options.Project,
		StartTime:  options.StartTime,
		EndTime:    options.EndTime,
		Limit:      options.Limit,
	})
	if err != nil {
		return nil, err
	}
	response, err := c.request(ctx, message)
	if err != nil {
		return nil, err
	}
	var result QueryResult
	if err := json.Unmarshal(response.Data, &result); err != nil {
		return nil, fmt.Errorf("ipc: decoding query result: %w", err)
	}
	return result.Events, nil
}

// Stats fetches the daemon's pipeline and storage statistics.
func (c *Client) Stats(ctx context.Context) (*StatsResult, error) {
	response, err := c.request(ctx, NewMessage(TypeStats, time.Now()))
	if err != nil {
		return nil, err
	}
	var result StatsResult
	if err := json.Unmarshal(response.Data, &result); err != nil {
		return nil, fmt.Errorf("ipc: decoding stats: %w", err)
	}
	return &result, nil
}

// Subscribe asks the daemon to push stabilized events of the given
// types (all when empty) to this connection, optionally replaying up
// to replay recent events first. Pushed events arrive via the OnPush
// handler as messages of type "event".
func (c *Client) Subscribe(ctx context.Context, eventTypes []string, replay int) error {
	message := NewMessage(TypeSubscribe, time.Now())
	if err := message.SetData(SubscribePayload{EventTypes: eventTypes, Replay: replay}); err != nil {
		return err
	}
	_, err := c.request(ctx, message)
	return err
}

// Done is closed when the connection's read loop exits (daemon gone
// or Close called).
func (c *Client) Done() <-chan struct{} {
	return c.done
}
