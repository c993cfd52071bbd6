package chat

import (
	"sort"
	"time"

	"github.com/ticketrow/chatkit/internal/api"
	"github.com/ticketrow/chatkit/internal/types"
)

// directory is the authoritative local list of conversation summaries. It
// is seeded by REST snapshots and kept live by channel events. All merges
// are keyed on the conversation key, never positional, so duplicate or
// out-of-order delivery is harmless.
type directory struct {
	conversations map[types.ConversationKey]*types.Conversation
	// liveUnread counts unread increments applied since the last refresh
	// was issued. A snapshot reconciles the base count to the server's
	// number; increments that raced the fetch are re-applied on top so
	// they are not lost.
	liveUnread map[types.ConversationKey]int
	// refreshGen guards against out-of-order snapshot application: only
	// the most recently issued refresh wins.
	refreshGen int
}

func newDirectory() *directory {
	return &directory{
		conversations: make(map[types.ConversationKey]*types.Conversation),
		liveUnread:    make(map[types.ConversationKey]int),
	}
}

// beginRefresh marks the start of a snapshot fetch and returns its
// generation token.
func (d *directory) beginRefresh() int {
	d.refreshGen++
	d.liveUnread = make(map[types.ConversationKey]int)
	return d.refreshGen
}

// applySnapshot merges a REST snapshot. Returns false when the snapshot
// belongs to a superseded refresh and was discarded. Entries absent from
// the snapshot are kept: conversations are never deleted client-side.
func (d *directory) applySnapshot(gen int, summaries []api.ConversationSummary) bool {
	if gen != d.refreshGen {
		return false
	}

	for _, s := range summaries {
		key := types.ConversationKey{UserId: s.UserId, EventId: s.EventId}
		entry, ok := d.conversations[key]
		if !ok {
			entry = &types.Conversation{Key: key}
			d.conversations[key] = entry
		}

		entry.Username = s.Username
		// A stale snapshot must not regress a preview a live event already
		// advanced past it.
		if !s.UpdatedAt.Before(entry.UpdatedAt) {
			entry.LastMessage = s.LastMessage
			entry.LastMessageUserId = s.LastMessageUserId
			entry.UpdatedAt = s.UpdatedAt
		}

		entry.UnreadCount = s.UnreadCount + d.liveUnread[key]
	}

	return true
}

// applyMessage updates the owning conversation's preview fields for any
// inbound or outbound message. Inbound messages for a conversation other
// than the open one bump the unread count optimistically.
func (d *directory) applyMessage(msg types.Message, selfId int, openKey *types.ConversationKey) {
	key := msg.Key(selfId)
	entry, ok := d.conversations[key]
	if !ok {
		entry = &types.Conversation{Key: key}
		d.conversations[key] = entry
	}

	entry.LastMessage = msg.Content
	entry.LastMessageUserId = msg.UserId
	if msg.Timestamp.After(entry.UpdatedAt) {
		entry.UpdatedAt = msg.Timestamp
	}

	inbound := msg.RecipientId == selfId
	if inbound && (openKey == nil || *openKey != key) {
		entry.UnreadCount++
		d.liveUnread[key]++
	}
}

func (d *directory) resetUnread(key types.ConversationKey) {
	delete(d.liveUnread, key)
	if entry, ok := d.conversations[key]; ok {
		entry.UnreadCount = 0
	}
}

func (d *directory) totalUnread() int {
	total := 0
	for _, entry := range d.conversations {
		total += entry.UnreadCount
	}
	return total
}

// ordered returns the conversation list sorted by effective timestamp
// descending, with a deterministic key tie-break. It is a pure function of
// the conversation set.
func (d *directory) ordered() []types.Conversation {
	list := make([]types.Conversation, 0, len(d.conversations))
	for _, entry := range d.conversations {
		list = append(list, *entry)
	}

	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		if list[i].Key.UserId != list[j].Key.UserId {
			return list[i].Key.UserId < list[j].Key.UserId
		}
		return list[i].Key.EventId < list[j].Key.EventId
	})

	return list
}

func (d *directory) get(key types.ConversationKey) (types.Conversation, bool) {
	entry, ok := d.conversations[key]
	if !ok {
		return types.Conversation{}, false
	}
	return *entry, true
}

// touch ensures an entry exists for an outbound send to a brand-new
// counterpart before any message lands.
func (d *directory) touch(key types.ConversationKey, now time.Time) {
	if _, ok := d.conversations[key]; !ok {
		d.conversations[key] = &types.Conversation{Key: key, UpdatedAt: now}
	}
}
