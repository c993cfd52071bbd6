package stubserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ticketrow/chatkit/internal/channel"
	"github.com/ticketrow/chatkit/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

type wsClient struct {
	id     string
	userId int
	conn   *websocket.Conn
	server *Server
	send   chan channel.ServerEvent
	stop   chan struct{}
	once   sync.Once
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := userIdFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	c := &wsClient{
		id:     uuid.NewString(),
		userId: userId,
		conn:   conn,
		server: s,
		send:   make(chan channel.ServerEvent, 256),
		stop:   make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.log.Printf("ws connection %s for user %d", c.id, userId)

	go c.writeLoop()
	go c.readLoop()
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.stop)
	})
}

func (c *wsClient) queue(event channel.ServerEvent) {
	select {
	case c.send <- event:
	default:
		c.server.log.Printf("send buffer full for connection %s", c.id)
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event := <-c.send:
			bytes, err := json.Marshal(event)
			if err != nil {
				c.server.log.Println("failed to serialize event:", err)
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, bytes); err != nil {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readLoop() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var event channel.ClientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			c.server.log.Println("error parsing event:", err)
			continue
		}

		switch {
		case event.Register != nil:
			c.server.handleRegister(c)
		case event.Status != nil && !event.Status.Online:
			c.server.broadcastStatus(c.userId, false, c)
		case event.Join != nil:
			c.server.relayViewer(c.userId, event.Join.OtherId, event.Join.EventId, true)
		case event.Leave != nil:
			c.server.relayViewer(c.userId, event.Leave.OtherId, event.Leave.EventId, false)
		}
	}
}

func (c *wsClient) cleanup() {
	c.close()

	s := c.server
	s.mu.Lock()
	delete(s.clients, c)
	remaining := false
	for other := range s.clients {
		if other.userId == c.userId {
			remaining = true
			break
		}
	}
	s.mu.Unlock()

	s.log.Printf("ws connection %s closed", c.id)

	if !remaining {
		s.broadcastStatus(c.userId, false, nil)
	}
}

// handleRegister marks the user online, answers with a full presence
// snapshot, and tells everyone else.
func (s *Server) handleRegister(c *wsClient) {
	s.mu.Lock()
	seen := make(map[int]struct{})
	var userIds []int
	for client := range s.clients {
		if _, ok := seen[client.userId]; !ok {
			seen[client.userId] = struct{}{}
			userIds = append(userIds, client.userId)
		}
	}
	s.mu.Unlock()

	c.queue(channel.ServerEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Snapshot:  &channel.Snapshot{UserIds: userIds},
	})

	s.broadcastStatus(c.userId, true, c)
}

func (s *Server) broadcastStatus(userId int, online bool, skip *wsClient) {
	event := channel.ServerEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Status:    &channel.Status{UserId: userId, Online: online},
	}

	s.mu.Lock()
	targets := make([]*wsClient, 0, len(s.clients))
	for client := range s.clients {
		if client != skip {
			targets = append(targets, client)
		}
	}
	s.mu.Unlock()

	for _, client := range targets {
		client.queue(event)
	}
}

// relayViewer forwards a join/leave to the counterpart's connections.
func (s *Server) relayViewer(viewerId, otherId, eventId int, joined bool) {
	event := channel.ServerEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Viewer:    &channel.Viewer{UserId: viewerId, OtherId: otherId, EventId: eventId, Joined: joined},
	}

	s.mu.Lock()
	targets := make([]*wsClient, 0)
	for client := range s.clients {
		if client.userId == otherId {
			targets = append(targets, client)
		}
	}
	s.mu.Unlock()

	for _, client := range targets {
		client.queue(event)
	}
}

// deliver pushes a stored message to both participants. Only the sender's
// copy carries the correlation id.
func (s *Server) deliver(msg types.Message) {
	s.mu.Lock()
	var senders, recipients []*wsClient
	for client := range s.clients {
		switch client.userId {
		case msg.UserId:
			senders = append(senders, client)
		case msg.RecipientId:
			recipients = append(recipients, client)
		}
	}
	s.mu.Unlock()

	echo := msg
	event := channel.ServerEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Message:   &echo,
	}
	for _, client := range senders {
		client.queue(event)
	}

	plain := msg
	plain.TempId = ""
	event = channel.ServerEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Message:   &plain,
	}
	for _, client := range recipients {
		client.queue(event)
	}
}
