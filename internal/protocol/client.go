// Package protocol implements request/response messaging with the
// broker's account gateway over one websocket connection.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds every outstanding request.
const DefaultRequestTimeout = 30 * time.Second

var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrTimeout          = errors.New("request timed out")
	ErrConnectionClosed = errors.New("connection closed")
)

// GatewayError is an error frame returned by the gateway for a request.
type GatewayError struct {
	Code        string
	Description string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Description)
}

// State of the client connection. There is no reconnect: callers open
// a fresh client per logical operation.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

type result struct {
	msg Message
	err error
}

// Client correlates concurrent requests to responses by message id and
// dispatches out-of-band error and heartbeat frames.
type Client struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	log     *zap.Logger

	state atomic.Int32

	mu      sync.Mutex // guards pending
	pending map[string]chan result

	writeMu sync.Mutex // gorilla allows one concurrent writer
	conn    *websocket.Conn

	closeOnce sync.Once
}

// NewClient builds a client for the given gateway URL.
func NewClient(url string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:     url,
		timeout: timeout,
		dialer:  websocket.DefaultDialer,
		log:     log,
		pending: make(map[string]chan result),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connect dials the gateway and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return errors.New("client already connected")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.conn = conn
	c.state.Store(int32(StateConnected))
	go c.readLoop()
	return nil
}

// Request sends req and blocks until the correlated response arrives,
// the per-request timeout fires, ctx is cancelled, or the connection
// closes. Concurrent outstanding requests are supported.
func (c *Client) Request(ctx context.Context, req Message) (Message, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan result, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	frame := EncodeFrame(Frame{
		PayloadType: req.PayloadType(),
		Payload:     req.Marshal(),
		ClientMsgID: id,
	})

	c.writeMu.Lock()
	err := c.conn.WriteMessage(websocket.BinaryMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.take(id)
		return nil, fmt.Errorf("send frame: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-timer.C:
		// Remove the pending entry unless a response won the race.
		if c.take(id) == nil {
			res := <-ch
			return res.msg, res.err
		}
		c.log.Warn("request timed out",
			zap.Uint32("payload_type", req.PayloadType()),
			zap.String("msg_id", id))
		return nil, ErrTimeout
	case <-ctx.Done():
		if c.take(id) == nil {
			res := <-ch
			return res.msg, res.err
		}
		return nil, ctx.Err()
	}
}

// Close shuts the transport down; all still-pending requests are
// rejected with ErrConnectionClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		if c.conn != nil {
			c.writeMu.Lock()
			// Best effort; the connection may already be gone.
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			err = c.conn.Close()
		}
		c.failPending(ErrConnectionClosed)
	})
	return err
}

// take removes and returns the pending channel for id, or nil when the
// entry was already claimed (exactly-once resolution).
func (c *Client) take(id string) chan result {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return ch
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- result{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.State() == StateConnected {
				c.log.Debug("read loop ended", zap.Error(err))
			}
			c.state.Store(int32(StateDisconnected))
			c.failPending(ErrConnectionClosed)
			return
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.PayloadType {
	case TypeHeartbeatEvent:
		// Keepalive; no response expected.
		return

	case TypeErrorRes, TypeAccountErrorRes:
		body := &ErrorRes{}
		if err := body.unmarshal(f.Payload); err != nil {
			c.log.Warn("malformed error frame", zap.Error(err))
			return
		}
		gwErr := &GatewayError{Code: body.Code, Description: body.Description}
		if ch := c.take(f.ClientMsgID); ch != nil {
			ch <- result{err: gwErr}
			return
		}
		c.log.Warn("unsolicited gateway error",
			zap.String("code", gwErr.Code),
			zap.String("description", gwErr.Description))
		return
	}

	ch := c.take(f.ClientMsgID)
	if ch == nil {
		// Late frame after timeout, or a broadcast we do not handle.
		c.log.Debug("dropping uncorrelated frame",
			zap.Uint32("payload_type", f.PayloadType),
			zap.String("msg_id", f.ClientMsgID))
		return
	}

	decode, ok := registry[f.PayloadType]
	if !ok {
		ch <- result{err: fmt.Errorf("no schema registered for payload type %d", f.PayloadType)}
		return
	}

	msg, err := decode(f.Payload)
	if err != nil {
		ch <- result{err: fmt.Errorf("decode payload type %d: %w", f.PayloadType, err)}
		return
	}
	ch <- result{msg: msg}
}
