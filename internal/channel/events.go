package channel

import (
	"time"

	"github.com/ticketrow/chatkit/internal/types"
)

type BaseEvent struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientEvent is the client-to-server side of the live channel. Exactly one
// field is set per event.
type ClientEvent struct {
	BaseEvent
	Register *Register `json:"register,omitempty"`
	Status   *Status   `json:"status,omitempty"`
	Join     *Viewer   `json:"join,omitempty"`
	Leave    *Viewer   `json:"leave,omitempty"`
}

// Register announces the local identity as online and requests a full
// presence snapshot. Sent once per connection, immediately after dial.
type Register struct{}

// Status announces an online/offline transition. In ServerEvent it reports
// a remote identity's transition; offline implies the identity also left
// every conversation it was viewing.
type Status struct {
	UserId int  `json:"user_id,omitempty"`
	Online bool `json:"online"`
}

// Viewer describes an identity entering or leaving the viewport of one
// conversation. UserId is the viewer, OtherId its counterpart, EventId the
// listing the thread is scoped to.
type Viewer struct {
	UserId  int  `json:"user_id,omitempty"`
	OtherId int  `json:"other_id,omitempty"`
	EventId int  `json:"event_id"`
	Joined  bool `json:"joined,omitempty"`
}

// ServerEvent is the server-to-client side of the live channel.
type ServerEvent struct {
	BaseEvent
	Snapshot *Snapshot      `json:"snapshot,omitempty"`
	Status   *Status        `json:"status,omitempty"`
	Viewer   *Viewer        `json:"viewer,omitempty"`
	Message  *types.Message `json:"message,omitempty"`
}

// Snapshot is the full set of identities currently connected.
type Snapshot struct {
	UserIds []int `json:"user_ids"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
