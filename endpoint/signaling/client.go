// Package signaling is the endpoint's side of the relay channel: a
// websocket client that keeps redialing the rendezvous server and
// announces every (re)established connection so the owner can re-join
// its room.
package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	maxRedialInterval = 15 * time.Second

	defaultChanBuffer = 32
)

type Config struct {
	URL    string
	Logger *zerolog.Logger
}

type Client struct {
	url    string
	logger zerolog.Logger

	incoming  chan model.Message
	outgoing  chan model.Message
	connected chan struct{}
}

func NewClient(cfg Config) *Client {
	return &Client{
		url:       cfg.URL,
		logger:    cfg.Logger.With().Str("component", "relay-client").Logger(),
		incoming:  make(chan model.Message, defaultChanBuffer),
		outgoing:  make(chan model.Message, defaultChanBuffer),
		connected: make(chan struct{}, 1),
	}
}

// Incoming returns the channel delivering relayed messages.
func (c *Client) Incoming() <-chan model.Message {
	return c.incoming
}

// Connected signals every successfully established connection,
// including the first one. Signals coalesce if not consumed.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

// Send queues a message for the relay. Messages queued while the
// connection is down go out after the next successful redial.
func (c *Client) Send(ctx context.Context, msg model.Message) error {
	select {
	case c.outgoing <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dials the relay and keeps the connection alive until the context
// is canceled, redialing with capped exponential backoff.
func (c *Client) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		c.logger.Debug().Msg("relay client stopped")
		wg.Done()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxRedialInterval
	bo.MaxElapsedTime = 0 // redial forever

	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			c.logger.Warn().Err(err).Dur("retryIn", wait).Msg("relay dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		bo.Reset()
		c.logger.Info().Str("url", c.url).Msg("relay connected")
		select {
		case c.connected <- struct{}{}:
		default:
		}

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Msg("relay connection lost, redialing")
	}
}

// serve runs the read and write pumps over one connection and returns
// when either breaks or the context is canceled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		c.readPump(ctx, conn)
	}()

	c.writePump(ctx, conn, done)
	_ = conn.Close()
	<-done
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg model.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("relay read failed")
			}
			return
		}
		select {
		case c.incoming <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn().Err(err).Msg("relay ping failed")
				return
			}

		case msg := <-c.outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(&msg); err != nil {
				c.logger.Warn().Err(err).Msg("relay write failed")
				return
			}
		}
	}
}
