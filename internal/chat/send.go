package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/teris-io/shortid"
	"github.com/ticketrow/chatkit/internal/api"
	"github.com/ticketrow/chatkit/internal/channel"
	"github.com/ticketrow/chatkit/internal/types"
)

// handleSend turns a user send into an optimistic pending entry plus an
// async dispatch. The pending entry and the directory preview are visible
// before any network response arrives.
func (e *Engine) handleSend(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}

	e.mu.Lock()
	if !e.timeline.open {
		e.mu.Unlock()
		return ErrNotOpen
	}
	key := e.timeline.key

	tempId, err := shortid.Generate()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("generate temp id: %w", err)
	}

	msg := types.Message{
		TempId:      tempId,
		UserId:      e.self.Id,
		RecipientId: key.UserId,
		EventId:     key.EventId,
		Content:     content,
		Timestamp:   channel.Now(),
		State:       types.StatePending,
	}

	e.timeline.append(msg)
	e.directory.applyMessage(msg, e.self.Id, &key)
	e.mu.Unlock()

	e.stats.Incr(StatMessagesSent)

	go e.dispatchSend(msg)

	return nil
}

// dispatchSend performs the REST send and posts the reconciliation back
// into the mailbox. On success the confirmed copy replaces the pending
// entry by its correlation id, unless the channel echo got there first. On
// failure the pending entry flips to failed and stays visible; there is no
// automatic retry.
func (e *Engine) dispatchSend(pending types.Message) {
	confirmed, err := e.api.SendMessage(context.Background(), api.SendMessageParams{
		RecipientId: pending.RecipientId,
		EventId:     pending.EventId,
		Content:     pending.Content,
		TempId:      pending.TempId,
	})

	e.enqueue(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if err != nil {
			e.stats.Incr(StatSendFailures)
			e.log.Printf("send %s: %v", pending.TempId, err)
			e.lastErr = err
			e.timeline.fail(pending.TempId)
			return nil
		}

		confirmed.State = types.StateConfirmed
		if confirmed.TempId == "" {
			confirmed.TempId = pending.TempId
		}

		e.timeline.confirm(pending.TempId, confirmed)

		var openKey *types.ConversationKey
		if e.timeline.open {
			key := e.timeline.key
			openKey = &key
		}
		e.directory.applyMessage(confirmed, e.self.Id, openKey)
		return nil
	})
}
