package chat

import (
	"github.com/ticketrow/chatkit/internal/types"
)

// timeline holds the ordered message list for the single open conversation.
// Every open/close transition bumps the epoch; an async history result must
// present the epoch it was issued under, and is discarded silently when the
// open conversation has moved on.
type timeline struct {
	open     bool
	key      types.ConversationKey
	epoch    int
	loading  bool
	loadErr  bool
	messages []types.Message
}

func newTimeline() *timeline {
	return &timeline{}
}

// openKey registers key as the open conversation, drops any previous
// timeline wholesale, and returns the epoch token for the history fetch.
func (t *timeline) openKey(key types.ConversationKey) int {
	t.epoch++
	t.open = true
	t.key = key
	t.loading = true
	t.loadErr = false
	t.messages = nil
	return t.epoch
}

func (t *timeline) close() {
	t.epoch++
	t.open = false
	t.key = types.ConversationKey{}
	t.loading = false
	t.loadErr = false
	t.messages = nil
}

// applyHistory installs a fetched history. Returns false when the result is
// stale (epoch mismatch) and was discarded. A failed fetch yields an
// explicit empty timeline with the error flag set, never another
// conversation's messages.
func (t *timeline) applyHistory(epoch int, messages []types.Message, failed bool) bool {
	if epoch != t.epoch || !t.open {
		return false
	}

	t.loading = false
	t.loadErr = failed
	if failed {
		t.messages = nil
		return true
	}

	t.messages = make([]types.Message, len(messages))
	copy(t.messages, messages)
	for i := range t.messages {
		t.messages[i].State = types.StateConfirmed
	}
	return true
}

// append adds a message in arrival order. A confirmed message carrying a
// timestamp older than an already-confirmed one is inserted so that
// confirmed timestamps stay non-decreasing, with arrival order breaking
// ties.
func (t *timeline) append(msg types.Message) {
	if !t.open {
		return
	}

	if msg.State != types.StateConfirmed {
		t.messages = append(t.messages, msg)
		return
	}

	pos := len(t.messages)
	for pos > 0 {
		prev := t.messages[pos-1]
		if prev.State != types.StateConfirmed || !prev.Timestamp.After(msg.Timestamp) {
			break
		}
		pos--
	}

	t.messages = append(t.messages, types.Message{})
	copy(t.messages[pos+1:], t.messages[pos:])
	t.messages[pos] = msg
}

// confirm replaces the pending entry correlated by tempId with the server's
// confirmed copy, in place, so the logical message is never shown twice.
func (t *timeline) confirm(tempId string, confirmed types.Message) bool {
	for i := range t.messages {
		if t.messages[i].TempId == tempId && t.messages[i].State == types.StatePending {
			confirmed.TempId = tempId
			confirmed.State = types.StateConfirmed
			t.messages[i] = confirmed
			return true
		}
	}
	return false
}

// seen reports whether a confirmed message with tempId is already in the
// timeline, so a REST response and a channel echo for the same send cannot
// both land.
func (t *timeline) seen(tempId string) bool {
	if tempId == "" {
		return false
	}
	for i := range t.messages {
		if t.messages[i].TempId == tempId {
			return t.messages[i].State != types.StatePending
		}
	}
	return false
}

func (t *timeline) fail(tempId string) bool {
	for i := range t.messages {
		if t.messages[i].TempId == tempId && t.messages[i].State == types.StatePending {
			t.messages[i].State = types.StateFailed
			return true
		}
	}
	return false
}

func (t *timeline) snapshot() []types.Message {
	if len(t.messages) == 0 {
		return nil
	}
	out := make([]types.Message, len(t.messages))
	copy(out, t.messages)
	return out
}
