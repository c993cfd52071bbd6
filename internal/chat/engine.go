package chat

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/ticketrow/chatkit/internal/api"
	"github.com/ticketrow/chatkit/internal/channel"
	"github.com/ticketrow/chatkit/internal/stats"
	"github.com/ticketrow/chatkit/internal/types"
)

const (
	StatMessagesSent          = "MessagesSent"
	StatMessagesReceived      = "MessagesReceived"
	StatSendFailures          = "SendFailures"
	StatDirectoryRefreshes    = "DirectoryRefreshes"
	StatStaleResponsesDropped = "StaleResponsesDropped"
	StatChannelDisconnects    = "ChannelDisconnects"
)

var (
	ErrStopped      = errors.New("engine stopped")
	ErrNotOpen      = errors.New("no open conversation")
	ErrEmptyContent = errors.New("empty message content")
	ErrChannelDown  = errors.New("live channel down")
)

type command struct {
	run   func() error
	reply chan error
}

// Engine is the client-side conversation engine. All state mutation happens
// in the Run loop, one event at a time from a single mailbox: user commands,
// live channel events and async REST results. REST calls run in spawned
// goroutines and post their results back into the mailbox, so they never
// block event processing.
type Engine struct {
	log   *log.Logger
	api   api.ChatAPI
	ch    channel.Channel
	stats stats.StatsProvider
	self  types.Identity

	mu        sync.RWMutex
	presence  *presenceTracker
	directory *directory
	timeline  *timeline
	lastErr   error
	chUp      bool

	commands chan command
	eventsCh <-chan channel.ServerEvent
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	listenerLock   sync.Mutex
	listeners      map[int]*listener
	nextListenerId int
}

func NewEngine(logger *log.Logger, chatApi api.ChatAPI, ch channel.Channel, sp stats.StatsProvider, self types.Identity) *Engine {
	for _, name := range []string{
		StatMessagesSent,
		StatMessagesReceived,
		StatSendFailures,
		StatDirectoryRefreshes,
		StatStaleResponsesDropped,
		StatChannelDisconnects,
	} {
		sp.RegisterMetric(name)
	}

	return &Engine{
		log:       logger,
		api:       chatApi,
		ch:        ch,
		stats:     sp,
		self:      self,
		presence:  newPresenceTracker(),
		directory: newDirectory(),
		timeline:  newTimeline(),
		chUp:      true,
		commands:  make(chan command, 64),
		eventsCh:  ch.Events(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		listeners: make(map[int]*listener),
	}
}

// Run registers the local identity on the channel, triggers the initial
// directory refresh, then processes the mailbox until Stop. All channel
// registrations are released on exit, on every exit path.
func (e *Engine) Run() {
	defer func() {
		e.teardown()
		close(e.done)
	}()

	e.register()
	e.handleRefresh()
	e.publish()

	for {
		select {
		case cmd := <-e.commands:
			cmd.reply <- cmd.run()
			e.publish()
		case event, ok := <-e.eventsCh:
			if !ok {
				e.handleDisconnect()
			} else {
				e.handleServerEvent(event)
			}
			e.publish()
		case <-e.stop:
			return
		}
	}
}

// Stop shuts the engine down and waits for the loop to release its channel
// registrations. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	<-e.done
}

// Refresh re-fetches the directory snapshot from the REST collaborator.
func (e *Engine) Refresh() error {
	return e.do(func() error {
		e.handleRefresh()
		return nil
	})
}

// Open makes (userId, eventId) the open conversation: fetches its history,
// joins it on the channel and marks it read. Any previously open
// conversation is left first; at most one conversation is open at a time.
func (e *Engine) Open(userId, eventId int) error {
	return e.do(func() error {
		return e.handleOpen(types.ConversationKey{UserId: userId, EventId: eventId})
	})
}

// Close leaves the open conversation, if any.
func (e *Engine) Close() error {
	return e.do(func() error {
		e.handleClose()
		return nil
	})
}

// Send dispatches content to the open conversation's counterpart. The
// message appears immediately as pending; delivery is reconciled
// asynchronously. Validation failures are returned before any dispatch.
func (e *Engine) Send(content string) error {
	return e.do(func() error {
		return e.handleSend(content)
	})
}

// Attach hands the engine a fresh live channel after the host re-dialed.
// The engine re-registers, rejoins the open conversation and re-syncs the
// directory; presence stays unknown until the next snapshot arrives.
func (e *Engine) Attach(ch channel.Channel) error {
	return e.do(func() error {
		e.mu.Lock()
		e.ch = ch
		e.eventsCh = ch.Events()
		e.chUp = true
		e.lastErr = nil
		open := e.timeline.open
		key := e.timeline.key
		e.mu.Unlock()

		e.register()
		if open {
			e.sendJoin(key)
		}
		e.handleRefresh()
		return nil
	})
}

// Snapshot returns an immutable copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{
		Self:            e.self,
		Conversations:   e.directory.ordered(),
		TotalUnread:     e.directory.totalUnread(),
		Online:          e.presence.onlineIds(),
		PresenceStale:   e.presence.stale,
		Timeline:        e.timeline.snapshot(),
		TimelineLoading: e.timeline.loading,
		TimelineFailed:  e.timeline.loadErr,
		LastError:       e.lastErr,
	}
	if e.timeline.open {
		key := e.timeline.key
		snap.Open = &key
	}
	return snap
}

// Viewers returns the identities currently viewing the given conversation.
func (e *Engine) Viewers(userId, eventId int) []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.presence.viewers(types.ConversationKey{UserId: userId, EventId: eventId})
}

// TotalUnread is the sum of unread counts across all conversations.
func (e *Engine) TotalUnread() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.directory.totalUnread()
}

func (e *Engine) do(fn func() error) error {
	cmd := command{run: fn, reply: make(chan error, 1)}

	select {
	case e.commands <- cmd:
	case <-e.done:
		return ErrStopped
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-e.done:
		return ErrStopped
	}
}

// enqueue posts an async result into the mailbox without waiting for it.
func (e *Engine) enqueue(fn func() error) {
	cmd := command{run: fn, reply: make(chan error, 1)}
	select {
	case e.commands <- cmd:
	case <-e.done:
	}
}

func (e *Engine) register() {
	e.sendEvent(channel.ClientEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Register:  &channel.Register{},
	})
}

func (e *Engine) sendJoin(key types.ConversationKey) {
	e.sendEvent(channel.ClientEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Join:      &channel.Viewer{UserId: e.self.Id, OtherId: key.UserId, EventId: key.EventId, Joined: true},
	})
}

func (e *Engine) sendLeave(key types.ConversationKey) {
	e.sendEvent(channel.ClientEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Leave:     &channel.Viewer{UserId: e.self.Id, OtherId: key.UserId, EventId: key.EventId},
	})
}

// sendEvent pushes an event to the live channel. No outbound events are
// attempted while the channel is down.
func (e *Engine) sendEvent(event channel.ClientEvent) {
	e.mu.RLock()
	up := e.chUp
	ch := e.ch
	e.mu.RUnlock()

	if !up {
		return
	}

	if err := ch.Send(event); err != nil {
		e.log.Println("channel send:", err)
	}
}

func (e *Engine) handleDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log.Println("live channel disconnected, presence unknown")
	e.eventsCh = nil
	e.chUp = false
	e.lastErr = ErrChannelDown
	e.presence.markStale()
	e.stats.Incr(StatChannelDisconnects)
}

func (e *Engine) handleServerEvent(event channel.ServerEvent) {
	switch {
	case event.Snapshot != nil:
		e.mu.Lock()
		e.presence.applySnapshot(event.Snapshot.UserIds)
		e.mu.Unlock()
	case event.Status != nil:
		e.mu.Lock()
		e.presence.setStatus(event.Status.UserId, event.Status.Online)
		e.mu.Unlock()
	case event.Viewer != nil:
		e.handleViewer(*event.Viewer)
	case event.Message != nil:
		e.handleDelivered(*event.Message)
	}
}

// handleViewer applies a remote conversationJoined/Left broadcast. Only
// broadcasts about threads the local identity participates in map to a
// local conversation key.
func (e *Engine) handleViewer(v channel.Viewer) {
	if v.OtherId != e.self.Id {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := types.ConversationKey{UserId: v.UserId, EventId: v.EventId}
	e.presence.setViewer(key, v.UserId, v.Joined)
}

func (e *Engine) handleRefresh() {
	e.mu.Lock()
	gen := e.directory.beginRefresh()
	e.mu.Unlock()

	e.stats.Incr(StatDirectoryRefreshes)

	go func() {
		summaries, err := e.api.ListConversations(context.Background())
		e.enqueue(func() error {
			e.mu.Lock()
			defer e.mu.Unlock()

			if err != nil {
				// Keep the last-known-good list.
				e.log.Println("directory refresh:", err)
				e.lastErr = err
				return nil
			}

			e.lastErr = nil
			if !e.directory.applySnapshot(gen, summaries) {
				e.stats.Incr(StatStaleResponsesDropped)
			}
			return nil
		})
	}()
}

func (e *Engine) handleOpen(key types.ConversationKey) error {
	e.mu.Lock()
	if e.timeline.open {
		prev := e.timeline.key
		e.mu.Unlock()
		e.sendLeave(prev)
		e.mu.Lock()
	}

	epoch := e.timeline.openKey(key)
	e.directory.touch(key, channel.Now())
	e.directory.resetUnread(key)
	e.mu.Unlock()

	e.sendJoin(key)

	go e.fetchHistory(key, epoch)
	go e.markRead(key)

	return nil
}

func (e *Engine) handleClose() {
	e.mu.Lock()
	if !e.timeline.open {
		e.mu.Unlock()
		return
	}
	key := e.timeline.key
	e.timeline.close()
	e.mu.Unlock()

	e.sendLeave(key)
}

// fetchHistory runs the REST history fetch for an Open and posts the result
// back into the mailbox together with the epoch it was issued under. A
// result whose epoch no longer matches the timeline is discarded without
// being applied or surfaced.
func (e *Engine) fetchHistory(key types.ConversationKey, epoch int) {
	messages, err := e.api.GetMessages(context.Background(), key.UserId, key.EventId)
	e.enqueue(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if !e.timeline.applyHistory(epoch, messages, err != nil) {
			e.stats.Incr(StatStaleResponsesDropped)
			return nil
		}

		if err != nil {
			e.log.Printf("history fetch for %s: %v", key, err)
			e.lastErr = err
		}
		return nil
	})
}

// markRead issues the read receipt for key. Issued on every Open,
// regardless of new messages, to reconcile server-side unread state
// predating this session.
func (e *Engine) markRead(key types.ConversationKey) {
	if err := e.api.MarkRead(context.Background(), key.UserId, key.EventId); err != nil {
		e.log.Printf("mark read for %s: %v", key, err)
		e.enqueue(func() error {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.lastErr = err
			return nil
		})
	}
}

// handleDelivered processes a messageDelivered channel event: directory
// preview and unread accounting for every message, timeline append for the
// open conversation, echo reconciliation for own sends, and the read-state
// transition for inbound messages from the open counterpart.
func (e *Engine) handleDelivered(msg types.Message) {
	e.stats.Incr(StatMessagesReceived)
	msg.State = types.StateConfirmed

	e.mu.Lock()

	var openKey *types.ConversationKey
	if e.timeline.open {
		key := e.timeline.key
		openKey = &key
	}

	key := msg.Key(e.self.Id)
	echo := msg.UserId == e.self.Id

	matchesOpen := openKey != nil && *openKey == key
	if matchesOpen {
		if echo && msg.TempId != "" {
			// Correlate the echo to the optimistic entry; never show the
			// same logical message twice.
			if !e.timeline.confirm(msg.TempId, msg) && !e.timeline.seen(msg.TempId) {
				e.timeline.append(msg)
			}
		} else {
			e.timeline.append(msg)
		}
	}

	e.directory.applyMessage(msg, e.self.Id, openKey)

	inboundFromOpen := matchesOpen && !echo && msg.RecipientId == e.self.Id
	if inboundFromOpen {
		e.directory.resetUnread(key)
	}
	e.mu.Unlock()

	if inboundFromOpen {
		go e.markRead(key)
	}
}

// teardown releases every channel registration: leave the open
// conversation, announce offline, close the channel.
func (e *Engine) teardown() {
	e.mu.Lock()
	open := e.timeline.open
	key := e.timeline.key
	e.timeline.close()
	up := e.chUp
	ch := e.ch
	e.mu.Unlock()

	if up {
		if open {
			if err := ch.Send(channel.ClientEvent{
				BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
				Leave:     &channel.Viewer{UserId: e.self.Id, OtherId: key.UserId, EventId: key.EventId},
			}); err != nil {
				e.log.Println("channel send:", err)
			}
		}
		if err := ch.Send(channel.ClientEvent{
			BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
			Status:    &channel.Status{Online: false},
		}); err != nil {
			e.log.Println("channel send:", err)
		}
	}

	if err := ch.Close(); err != nil {
		e.log.Println("channel close:", err)
	}
}
