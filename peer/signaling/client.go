// Package signaling is the peer side of the websocket signaling channel.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 128 * 1024

	defaultQueueSize = 64
)

var (
	ErrClosed     = errors.New("signaling connection closed")
	ErrNoWelcome  = errors.New("server did not assign a connection handle")
	ErrDial       = errors.New("cannot connect to signaling server")
	ErrBadPayload = errors.New("cannot encode signal payload")
)

type (
	Config struct {
		Logger *zerolog.Logger
		URL    string
	}

	// Client exchanges announcements with the signaling server.
	Client struct {
		logger   zerolog.Logger
		conn     *websocket.Conn
		id       string
		incoming chan model.Announcement
		outgoing chan model.Announcement
		done     chan struct{}
		once     sync.Once
	}
)

// Dial connects to the server and waits for the welcome announcement carrying
// the connection handle.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	conn.SetReadLimit(maxMessageSize)

	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	var welcome model.Announcement
	if err = conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return nil, errors.Join(ErrDial, err)
	}
	if welcome.Type != model.AnnouncementTypeWelcome || welcome.DST == "" {
		_ = conn.Close()
		return nil, ErrNoWelcome
	}

	c := &Client{
		logger: cfg.Logger.With().
			Str("component", "signaling").
			Str("id", welcome.DST).
			Logger(),
		conn:     conn,
		id:       welcome.DST,
		incoming: make(chan model.Announcement, defaultQueueSize),
		outgoing: make(chan model.Announcement, defaultQueueSize),
		done:     make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readPump()
	go c.writePump()

	c.logger.Debug().Str("url", cfg.URL).Msg("signaling connected")
	return c, nil
}

// ID is the connection handle the server knows this peer by.
func (c *Client) ID() string {
	return c.id
}

// Incoming is closed when the connection ends.
func (c *Client) Incoming() <-chan model.Announcement {
	return c.incoming
}

func (c *Client) Send(ctx context.Context, ann model.Announcement) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- ann:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewSignal builds a signal envelope with payload encoded as JSON. An empty dst
// addresses the room's broadcaster.
func NewSignal(room, dst, kind string, payload any) (model.Announcement, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return model.Announcement{}, errors.Join(ErrBadPayload, err)
	}
	return model.Announcement{
		Type:    model.AnnouncementTypeSignal,
		Room:    room,
		DST:     dst,
		Signal:  kind,
		Payload: data,
	}, nil
}

// Decode unmarshals the payload of a signal announcement.
func Decode(ann model.Announcement, v any) error {
	if len(ann.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrBadPayload, ann.Signal)
	}
	if err := json.Unmarshal(ann.Payload, v); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Client) readPump() {
	defer func() {
		close(c.incoming)
		_ = c.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var ann model.Announcement
		if err := c.conn.ReadJSON(&ann); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error().Err(err).Msg("signaling read failed")
			}
			return
		}
		if e := c.logger.Trace(); e.Enabled() {
			e.Str("dump", spew.Sdump(ann)).Msg("received announcement")
		}
		select {
		case c.incoming <- ann:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ann := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ann); err != nil {
				c.logger.Error().Err(err).Str("type", ann.Type).Msg("signaling write failed")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before Close, so a final leave is not lost.
func (c *Client) flush() {
	for {
		select {
		case ann := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ann); err != nil {
				return
			}
		default:
			return
		}
	}
}
