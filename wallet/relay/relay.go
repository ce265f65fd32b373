// Package relay maintains the wallet's connection to the backup
// relay: an opaque encrypted asynchronous pub/sub channel. The
// connection carries a generation number that increases on every
// reconnect; any inbound message or pending call belonging to an
// older generation is discarded, so a slow response from a dropped
// connection can never corrupt state established after the reconnect.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// capacity of each pending call's message queue
const callQueueSize = 64

var (
	ErrNotConnected    = errors.New("not connected to relay")
	ErrStaleGeneration = errors.New("connection was replaced")
)

type wsRequest struct {
	Id     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wsMessage struct {
	Id     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Item   json.RawMessage `json:"item,omitempty"`
	EOSE   bool            `json:"eose,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type pendingCall struct {
	gen      uint64
	messages chan wsMessage
}

type Client struct {
	url string
	log *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	gen       uint64
	idCounter int
	pending   map[int]*pendingCall
}

func NewClient(url string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:     url,
		log:     log,
		pending: make(map[int]*pendingCall),
	}
}

// Connect dials the relay. Calling it again replaces the connection
// and bumps the generation, orphaning any in-flight calls.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("could not dial relay: %v", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.failPendingLocked(gen)
	c.mu.Unlock()

	c.log.Info("connected to relay", zap.String("url", c.url), zap.Uint64("generation", gen))
	go c.readLoop(conn, gen)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.gen++
	c.failPendingLocked(c.gen)
	return err
}

// failPendingLocked closes the queues of calls from generations
// before current. Callers blocked on them see ErrStaleGeneration.
func (c *Client) failPendingLocked(current uint64) {
	for id, call := range c.pending {
		if call.gen < current {
			close(call.messages)
			delete(c.pending, id)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen == c.gen && c.conn == conn {
				c.conn = nil
				c.gen++
				c.failPendingLocked(c.gen)
			}
			c.mu.Unlock()
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("discarding unparseable relay message", zap.Error(err))
			continue
		}
		c.dispatch(gen, msg)
	}
}

func (c *Client) dispatch(gen uint64, msg wsMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// message from a connection that predates a reconnect
	if gen != c.gen {
		c.log.Debug("discarding stale-generation relay message",
			zap.Uint64("message_generation", gen),
			zap.Uint64("current_generation", c.gen),
		)
		return
	}

	call, ok := c.pending[msg.Id]
	if !ok || call.gen != gen {
		return
	}

	select {
	case call.messages <- msg:
	default:
		// queue full: drop rather than block the read loop
		c.log.Warn("relay call queue full, dropping message", zap.Int("call", msg.Id))
	}
}

func (c *Client) startCall(method string, params interface{}) (int, *pendingCall, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return 0, nil, err
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return 0, nil, ErrNotConnected
	}
	c.idCounter++
	id := c.idCounter
	call := &pendingCall{gen: c.gen, messages: make(chan wsMessage, callQueueSize)}
	c.pending[id] = call
	conn := c.conn
	c.mu.Unlock()

	request := wsRequest{Id: id, Method: method, Params: rawParams}
	if err := conn.WriteJSON(request); err != nil {
		c.removeCall(id)
		return 0, nil, fmt.Errorf("could not send relay request: %v", err)
	}
	return id, call, nil
}

func (c *Client) removeCall(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Call sends a request and waits for its single result, racing the
// context deadline.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id, call, err := c.startCall(method, params)
	if err != nil {
		return err
	}
	defer c.removeCall(id)

	select {
	case msg, ok := <-call.messages:
		if !ok {
			return ErrStaleGeneration
		}
		if msg.Error != "" {
			return fmt.Errorf("relay error: %s", msg.Error)
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("could not parse relay result: %v", err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallStream sends a request and collects streamed items until the
// relay signals end of stream. The wait resolves early on that signal
// instead of sleeping out the deadline.
func (c *Client) CallStream(ctx context.Context, method string, params interface{}) ([]json.RawMessage, error) {
	id, call, err := c.startCall(method, params)
	if err != nil {
		return nil, err
	}
	defer c.removeCall(id)

	var items []json.RawMessage
	for {
		select {
		case msg, ok := <-call.messages:
			if !ok {
				return nil, ErrStaleGeneration
			}
			if msg.Error != "" {
				return nil, fmt.Errorf("relay error: %s", msg.Error)
			}
			if msg.EOSE {
				return items, nil
			}
			if len(msg.Item) > 0 {
				items = append(items, msg.Item)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Generation returns the current connection generation.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}
