package chat

import (
	"sort"

	"github.com/ticketrow/chatkit/internal/types"
)

// presenceTracker keeps the two presence tiers: which identities hold a
// live connection, and which identities are actively viewing a specific
// conversation. The two are never collapsed; an active viewer is always a
// subset of the online set as far as the server reports it.
type presenceTracker struct {
	online map[int]struct{}
	active map[types.ConversationKey]map[int]struct{}
	// stale is set on channel disconnect: both sets are unknown until the
	// next snapshot arrives.
	stale bool
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{
		online: make(map[int]struct{}),
		active: make(map[types.ConversationKey]map[int]struct{}),
	}
}

// applySnapshot replaces the online set wholesale and clears staleness.
// Active sets are rebuilt from subsequent viewer events, so anyone no
// longer online is dropped from them here.
func (p *presenceTracker) applySnapshot(userIds []int) {
	p.online = make(map[int]struct{}, len(userIds))
	for _, id := range userIds {
		p.online[id] = struct{}{}
	}

	for key, viewers := range p.active {
		for id := range viewers {
			if _, ok := p.online[id]; !ok {
				delete(viewers, id)
			}
		}
		if len(viewers) == 0 {
			delete(p.active, key)
		}
	}

	p.stale = false
}

// setStatus applies a remote online/offline transition. Offline cascades:
// the identity is removed from every active set it belongs to.
func (p *presenceTracker) setStatus(userId int, online bool) {
	if online {
		p.online[userId] = struct{}{}
		return
	}

	delete(p.online, userId)
	for key, viewers := range p.active {
		delete(viewers, userId)
		if len(viewers) == 0 {
			delete(p.active, key)
		}
	}
}

func (p *presenceTracker) setViewer(key types.ConversationKey, userId int, joined bool) {
	viewers, ok := p.active[key]
	if !ok {
		if !joined {
			return
		}
		viewers = make(map[int]struct{})
		p.active[key] = viewers
	}

	if joined {
		viewers[userId] = struct{}{}
	} else {
		delete(viewers, userId)
		if len(viewers) == 0 {
			delete(p.active, key)
		}
	}
}

func (p *presenceTracker) markStale() {
	p.stale = true
}

// isOnline reports presence; unknown (stale) presence reads as offline.
func (p *presenceTracker) isOnline(userId int) bool {
	if p.stale {
		return false
	}
	_, ok := p.online[userId]
	return ok
}

func (p *presenceTracker) onlineIds() []int {
	if p.stale {
		return nil
	}

	ids := make([]int, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (p *presenceTracker) viewers(key types.ConversationKey) []int {
	if p.stale {
		return nil
	}

	viewers := p.active[key]
	if len(viewers) == 0 {
		return nil
	}

	ids := make([]int, 0, len(viewers))
	for id := range viewers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
