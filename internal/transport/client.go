// Package transport dials a document sync server over WebSocket and
// exchanges this port's own op-broadcast protocol (see protocol.go),
// reconnecting with exponential backoff on disconnect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// ErrRejected is returned when the server rejects the Hello handshake.
var ErrRejected = errors.New("sync server rejected handshake")

// Client is an outbound WebSocket connection to a document sync server.
// Zero value is not usable; construct with New.
type Client struct {
	URL      string
	ClientID uint64
	Doc      string
	Name     string

	OnStateChange func(state string, err error)
	OnSyncState   func(SyncState)
	OnOp          func(Op)
	OnAwareness   func(Awareness)

	log  *slog.Logger
	mu   sync.Mutex
	conn *websocket.Conn
}

func New(url string, clientID uint64, doc string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{URL: url, ClientID: clientID, Doc: doc, log: log}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff on every disconnect. It returns only when ctx is
// done or the server rejects the handshake.
func (c *Client) Run(ctx context.Context) error {
	c.notifyState("connecting", nil)
	delay := newBackoff()
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) {
			c.notifyState("rejected", err)
			return err
		}
		if connected {
			delay.reset()
		}
		c.notifyState("disconnected", err)
		c.log.Warn("sync server disconnected", "error", err)

		wait := delay.next()
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(wait):
		}
		c.notifyState("connecting", nil)
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.URL, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(4 * 1024 * 1024)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()
	connected = true

	if err := c.send(ctx, Envelope{Type: TypeHello, Payload: Hello{ClientID: c.ClientID, Doc: c.Doc, Name: c.Name}}); err != nil {
		return connected, fmt.Errorf("hello: %w", err)
	}

	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return connected, fmt.Errorf("read: %w", readErr)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("bad sync message", "error", err)
			continue
		}

		if err := c.dispatch(env, data); err != nil {
			if errors.Is(err, ErrRejected) {
				return connected, err
			}
			c.log.Warn("failed to handle sync message", "type", env.Type, "error", err)
		}
	}
}

func (c *Client) dispatch(env Envelope, raw []byte) error {
	switch env.Type {
	case TypeSyncState:
		var msg struct {
			Payload SyncState `json:"payload"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		if c.OnSyncState != nil {
			c.OnSyncState(msg.Payload)
		}
		c.notifyState("connected", nil)
	case TypeOp:
		var msg struct {
			Payload Op `json:"payload"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		if c.OnOp != nil {
			c.OnOp(msg.Payload)
		}
	case TypeAwareness:
		var msg struct {
			Payload Awareness `json:"payload"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		if c.OnAwareness != nil {
			c.OnAwareness(msg.Payload)
		}
	case TypeError:
		return fmt.Errorf("%w", ErrRejected)
	case TypePing:
		return c.send(context.Background(), Envelope{Type: TypePong})
	default:
		c.log.Warn("unknown sync message type", "type", env.Type)
	}
	return nil
}

// SendOp broadcasts a document edit to the sync server.
func (c *Client) SendOp(ctx context.Context, op Op) error {
	return c.send(ctx, Envelope{Type: TypeOp, Payload: op})
}

// SendAwareness broadcasts ephemeral presence state.
func (c *Client) SendAwareness(ctx context.Context, state any) error {
	return c.send(ctx, Envelope{Type: TypeAwareness, Payload: Awareness{ClientID: c.ClientID, State: state}})
}

func (c *Client) send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
