package chat

import (
	"github.com/ticketrow/chatkit/internal/types"
)

// Snapshot is an immutable view of the engine state, published to every
// subscriber after each state change. Independent UI surfaces (badge
// counters, the directory list, the open timeline) all derive from the
// same snapshot stream rather than sharing mutable state.
type Snapshot struct {
	Self            types.Identity
	Conversations   []types.Conversation
	TotalUnread     int
	Online          []int
	PresenceStale   bool
	Open            *types.ConversationKey
	Timeline        []types.Message
	TimelineLoading bool
	TimelineFailed  bool
	LastError       error
}

// IsOnline reports whether userId is in the last known online set. Always
// false while presence is stale.
func (s Snapshot) IsOnline(userId int) bool {
	for _, id := range s.Online {
		if id == userId {
			return true
		}
	}
	return false
}

type listener struct {
	updates chan Snapshot
	quit    chan struct{}
}

// Subscribe registers fn to receive state snapshots. Delivery is coalescing:
// a slow consumer observes the latest state, not every intermediate one.
// The returned cancel func releases the subscription and is safe to call
// more than once.
func (e *Engine) Subscribe(fn func(Snapshot)) (cancel func()) {
	l := &listener{
		updates: make(chan Snapshot, 1),
		quit:    make(chan struct{}),
	}

	e.listenerLock.Lock()
	id := e.nextListenerId
	e.nextListenerId++
	e.listeners[id] = l
	e.listenerLock.Unlock()

	go func() {
		for {
			select {
			case snap := <-l.updates:
				fn(snap)
			case <-l.quit:
				return
			}
		}
	}()

	var once bool
	return func() {
		e.listenerLock.Lock()
		defer e.listenerLock.Unlock()
		if once {
			return
		}
		once = true
		delete(e.listeners, id)
		close(l.quit)
	}
}

// publish pushes the current state to all listeners without ever blocking
// the event loop: a listener that has not consumed the previous snapshot
// has it replaced by the newer one.
func (e *Engine) publish() {
	snap := e.Snapshot()

	e.listenerLock.Lock()
	defer e.listenerLock.Unlock()
	for _, l := range e.listeners {
		for {
			select {
			case l.updates <- snap:
			default:
				select {
				case <-l.updates:
				default:
				}
				continue
			}
			break
		}
	}
}
