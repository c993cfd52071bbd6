package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var ErrChannelClosed = errors.New("channel closed")

// Channel is the live-channel contract the engine depends on. Events()
// closes when the connection is lost; the engine then treats all presence
// as unknown until it is handed a fresh channel.
type Channel interface {
	Events() <-chan ServerEvent
	Send(ClientEvent) error
	Close() error
}

// Conn is a websocket client connection to the marketplace live channel.
type Conn struct {
	conn      *websocket.Conn
	log       *log.Logger
	events    chan ServerEvent
	outbound  chan ClientEvent
	stop      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the live channel and starts the read and write pumps.
// The header carries the session cookie.
func Dial(ctx context.Context, wsUrl string, header http.Header, logger *log.Logger) (*Conn, error) {
	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsUrl, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Conn{
		conn:     wsConn,
		log:      logger,
		events:   make(chan ServerEvent, 256),
		outbound: make(chan ClientEvent, 256),
		stop:     make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

func (c *Conn) Events() <-chan ServerEvent {
	return c.events
}

// Send queues an event for delivery. It never blocks: a full outbound
// buffer or a closed connection returns ErrChannelClosed.
func (c *Conn) Send(event ClientEvent) error {
	select {
	case <-c.stop:
		return ErrChannelClosed
	default:
	}

	select {
	case c.outbound <- event:
		return nil
	default:
		c.log.Println("outbound channel full, dropping event")
		return ErrChannelClosed
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	return nil
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("channel write pump exiting")
	}()

	for {
		select {
		case event := <-c.outbound:
			bytes, err := json.Marshal(event)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.writeMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Conn) writeMessage(msgType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Conn) readPump() {
	defer func() {
		c.Close()
		c.conn.Close()
		close(c.events)
		c.log.Println("channel read pump exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var event ServerEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			c.log.Println("error parsing event:", err)
			continue
		}

		select {
		case c.events <- event:
		case <-c.stop:
			return
		}
	}
}
