package chat

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ticketrow/chatkit/internal/api"
	"github.com/ticketrow/chatkit/internal/channel"
	"github.com/ticketrow/chatkit/internal/stats"
	"github.com/ticketrow/chatkit/internal/testutil"
	"github.com/ticketrow/chatkit/internal/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// statsRecorder is a race-free StatsProvider for engine tests; the testify
// mock is used where call expectations matter, this where counts do.
type statsRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{counts: make(map[string]int)}
}

func (r *statsRecorder) Incr(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
}

func (r *statsRecorder) Decr(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]--
}

func (r *statsRecorder) RegisterMetric(name string) {}
func (r *statsRecorder) Run()                       {}

func (r *statsRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func newTestEngine(t *testing.T) (*Engine, *api.MockChatAPI, *channel.MockChannel, *statsRecorder) {
	t.Helper()

	mockApi := &api.MockChatAPI{}
	mockCh := channel.NewMockChannel()
	mockCh.On("Send", mock.Anything).Return(nil)
	mockCh.On("Close").Return(nil)
	recorder := newStatsRecorder()

	e := NewEngine(testutil.TestLogger(t), mockApi, mockCh, recorder,
		types.Identity{Id: selfId, Kind: types.KindUser, Username: "self"})
	return e, mockApi, mockCh, recorder
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	go e.Run()
	t.Cleanup(e.Stop)
}

func TestEngine_openResetsUnreadAndMarksRead(t *testing.T) {
	e, mockApi, _, _ := newTestEngine(t)
	var markReads atomic.Int32
	mockApi.On("ListConversations", mock.Anything).Return(directorySnapshot(), nil)
	mockApi.On("GetMessages", mock.Anything, 1, 10).Return([]types.Message(nil), nil)
	mockApi.On("MarkRead", mock.Anything, 1, 10).Run(func(mock.Arguments) {
		markReads.Add(1)
	}).Return(nil)
	startEngine(t, e)

	require.Eventually(t, func() bool { return e.TotalUnread() == 4 }, waitFor, tick,
		"initial refresh should land")

	require.NoError(t, e.Open(1, 10))

	assert.Eventually(t, func() bool {
		snap := e.Snapshot()
		for _, c := range snap.Conversations {
			if c.Key == (types.ConversationKey{UserId: 1, EventId: 10}) {
				return c.UnreadCount == 0 && !snap.TimelineLoading
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, 1, e.TotalUnread(), "only the opened conversation resets")

	assert.Eventually(t, func() bool { return markReads.Load() == 1 }, waitFor, tick,
		"opening issues exactly one mark-read call")
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, markReads.Load())
}

func TestEngine_optimisticSend(t *testing.T) {
	e, mockApi, _, _ := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	mockApi.On("GetMessages", mock.Anything, 1, 10).Return([]types.Message(nil), nil)
	mockApi.On("MarkRead", mock.Anything, 1, 10).Return(nil)

	release := make(chan struct{})
	confirmed := types.Message{SeqId: 7, UserId: selfId, RecipientId: 1, EventId: 10, Content: "hello", Timestamp: channel.Now()}
	mockApi.On("SendMessage", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		<-release
	}).Return(confirmed, nil)

	startEngine(t, e)
	require.NoError(t, e.Open(1, 10))
	require.Eventually(t, func() bool { return !e.Snapshot().TimelineLoading }, waitFor, tick)

	require.NoError(t, e.Send("hello"))

	// The pending entry and the preview are visible before any network
	// response.
	snap := e.Snapshot()
	require.Len(t, snap.Timeline, 1)
	assert.Equal(t, types.StatePending, snap.Timeline[0].State)
	assert.Equal(t, "hello", snap.Timeline[0].Content)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "hello", snap.Conversations[0].LastMessage)
	assert.Zero(t, snap.Conversations[0].UnreadCount, "own sends are never unread")

	close(release)

	assert.Eventually(t, func() bool {
		snap := e.Snapshot()
		return len(snap.Timeline) == 1 && snap.Timeline[0].State == types.StateConfirmed &&
			snap.Timeline[0].SeqId == 7
	}, waitFor, tick, "confirmation replaces the pending entry, never duplicates it")
}

func TestEngine_sendValidation(t *testing.T) {
	e, mockApi, _, _ := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	startEngine(t, e)

	assert.ErrorIs(t, e.Send("   "), ErrEmptyContent)
	assert.ErrorIs(t, e.Send("hi"), ErrNotOpen)
	mockApi.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestEngine_failedSendStaysVisible(t *testing.T) {
	e, mockApi, _, recorder := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	mockApi.On("GetMessages", mock.Anything, 1, 10).Return([]types.Message(nil), nil)
	mockApi.On("MarkRead", mock.Anything, 1, 10).Return(nil)
	mockApi.On("SendMessage", mock.Anything, mock.Anything).
		Return(types.Message{}, &api.ApiError{StatusCode: 500, Message: "internal server error"})

	startEngine(t, e)
	require.NoError(t, e.Open(1, 10))
	require.Eventually(t, func() bool { return !e.Snapshot().TimelineLoading }, waitFor, tick)

	require.NoError(t, e.Send("hello"))

	assert.Eventually(t, func() bool {
		snap := e.Snapshot()
		return len(snap.Timeline) == 1 && snap.Timeline[0].State == types.StateFailed
	}, waitFor, tick, "a failed send is marked unsent, never removed")
	assert.Eventually(t, func() bool { return recorder.count(StatSendFailures) == 1 }, waitFor, tick)
	assert.Error(t, e.Snapshot().LastError)
}

func TestEngine_echoDeduplication(t *testing.T) {
	e, mockApi, mockCh, _ := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	mockApi.On("GetMessages", mock.Anything, 1, 10).Return([]types.Message(nil), nil)
	mockApi.On("MarkRead", mock.Anything, 1, 10).Return(nil)

	var params api.SendMessageParams
	captured := make(chan struct{})
	sent := types.Message{SeqId: 9, UserId: selfId, RecipientId: 1, EventId: 10, Content: "hello", Timestamp: channel.Now()}
	mockApi.On("SendMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		params = args.Get(1).(api.SendMessageParams)
		close(captured)
	}).Return(sent, nil)

	startEngine(t, e)
	require.NoError(t, e.Open(1, 10))
	require.Eventually(t, func() bool { return !e.Snapshot().TimelineLoading }, waitFor, tick)
	require.NoError(t, e.Send("hello"))

	select {
	case <-captured:
	case <-time.After(waitFor):
		t.Fatal("send was never dispatched")
	}

	// The channel echoes the message back to the sender, racing the REST
	// response.
	echo := sent
	echo.TempId = params.TempId
	mockCh.EventsChan <- channel.ServerEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Message:   &echo,
	}

	assert.Eventually(t, func() bool {
		snap := e.Snapshot()
		return len(snap.Timeline) == 1 && snap.Timeline[0].State == types.StateConfirmed
	}, waitFor, tick, "the echo and the response must collapse into one visible message")

	// Still exactly one after everything settles.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, e.Snapshot().Timeline, 1)
}

func TestEngine_backgroundConversationUpdate(t *testing.T) {
	e, mockApi, mockCh, _ := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	mockApi.On("GetMessages", mock.Anything, 2, 20).Return([]types.Message(nil), nil)
	mockApi.On("MarkRead", mock.Anything, 2, 20).Return(nil)

	startEngine(t, e)
	require.NoError(t, e.Open(2, 20))
	require.Eventually(t, func() bool { return !e.Snapshot().TimelineLoading }, waitFor, tick)

	mockCh.EventsChan <- channel.ServerEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Message: &types.Message{
			UserId:      1,
			RecipientId: selfId,
			EventId:     10,
			Content:     "is the balcony still free?",
			Timestamp:   channel.Now(),
		},
	}

	assert.Eventually(t, func() bool {
		snap := e.Snapshot()
		for _, c := range snap.Conversations {
			if c.Key == (types.ConversationKey{UserId: 1, EventId: 10}) {
				return c.UnreadCount == 1 && c.LastMessage == "is the balcony still free?"
			}
		}
		return false
	}, waitFor, tick, "the background conversation picks up preview and unread")

	snap := e.Snapshot()
	require.NotNil(t, snap.Open)
	assert.Equal(t, types.ConversationKey{UserId: 2, EventId: 20}, *snap.Open)
	assert.Empty(t, snap.Timeline, "the open timeline is untouched")
	mockApi.AssertNotCalled(t, "MarkRead", mock.Anything, 1, 10)
}

func TestEngine_inboundFromOpenCounterpartMarksRead(t *testing.T) {
	e, mockApi, mockCh, _ := newTestEngine(t)
	var markReads atomic.Int32
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	mockApi.On("GetMessages", mock.Anything, 1, 10).Return([]types.Message(nil), nil)
	mockApi.On("MarkRead", mock.Anything, 1, 10).Run(func(mock.Arguments) {
		markReads.Add(1)
	}).Return(nil)

	startEngine(t, e)
	require.NoError(t, e.Open(1, 10))
	require.Eventually(t, func() bool { return !e.Snapshot().TimelineLoading }, waitFor, tick)

	mockCh.EventsChan <- channel.ServerEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Message: &types.Message{
			UserId:      1,
			RecipientId: selfId,
			EventId:     10,
			Content:     "yes, row 4",
			Timestamp:   channel.Now(),
		},
	}

	assert.Eventually(t, func() bool {
		snap := e.Snapshot()
		return len(snap.Timeline) == 1 && snap.TotalUnread == 0
	}, waitFor, tick, "a message from the open counterpart lands read")

	// One for the open, one for the live message.
	assert.Eventually(t, func() bool { return markReads.Load() == 2 }, waitFor, tick)
}

func TestEngine_presenceEvents(t *testing.T) {
	e, mockApi, mockCh, _ := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	startEngine(t, e)

	mockCh.EventsChan <- channel.ServerEvent{Snapshot: &channel.Snapshot{UserIds: []int{1, 2}}}
	mockCh.EventsChan <- channel.ServerEvent{Viewer: &channel.Viewer{UserId: 1, OtherId: selfId, EventId: 10, Joined: true}}

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{1, 2}, e.Snapshot().Online) &&
			assert.ObjectsAreEqual([]int{1}, e.Viewers(1, 10))
	}, waitFor, tick)

	// u1 drops offline: gone from the online set and every active set.
	mockCh.EventsChan <- channel.ServerEvent{Status: &channel.Status{UserId: 1, Online: false}}

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{2}, e.Snapshot().Online) && len(e.Viewers(1, 10)) == 0
	}, waitFor, tick)

	t.Run("viewer broadcasts for other participants are ignored", func(t *testing.T) {
		mockCh.EventsChan <- channel.ServerEvent{Viewer: &channel.Viewer{UserId: 2, OtherId: 999, EventId: 10, Joined: true}}
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, e.Viewers(2, 10))
	})
}

func TestEngine_staleHistoryDiscarded(t *testing.T) {
	e, mockApi, _, recorder := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	mockApi.On("MarkRead", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	release := make(chan struct{})
	staleHistory := []types.Message{{UserId: 1, RecipientId: selfId, EventId: 10, Content: "stale", Timestamp: channel.Now()}}
	mockApi.On("GetMessages", mock.Anything, 1, 10).Run(func(mock.Arguments) {
		<-release
	}).Return(staleHistory, nil)
	mockApi.On("GetMessages", mock.Anything, 2, 20).Return([]types.Message(nil), nil)

	startEngine(t, e)
	require.NoError(t, e.Open(1, 10))
	require.NoError(t, e.Open(2, 20))

	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Open != nil && *snap.Open == (types.ConversationKey{UserId: 2, EventId: 20}) &&
			!snap.TimelineLoading
	}, waitFor, tick)

	close(release)

	assert.Eventually(t, func() bool { return recorder.count(StatStaleResponsesDropped) >= 1 }, waitFor, tick,
		"the late result for the superseded key must be dropped")
	assert.Empty(t, e.Snapshot().Timeline, "the stale history must never be applied")
}

func TestEngine_refreshFailurePreservesDirectory(t *testing.T) {
	e, mockApi, _, _ := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return(directorySnapshot(), nil).Once()
	mockApi.On("ListConversations", mock.Anything).
		Return(nil, &api.ApiError{StatusCode: 503, Message: "service unavailable"})

	startEngine(t, e)
	require.Eventually(t, func() bool { return len(e.Snapshot().Conversations) == 3 }, waitFor, tick)

	require.NoError(t, e.Refresh())

	assert.Eventually(t, func() bool { return e.Snapshot().LastError != nil }, waitFor, tick)
	assert.Len(t, e.Snapshot().Conversations, 3, "a failed refresh keeps the last-known-good list")
}

func TestEngine_reopenReproducesHistory(t *testing.T) {
	e, mockApi, _, _ := newTestEngine(t)
	history := []types.Message{
		{UserId: 1, RecipientId: selfId, EventId: 10, Content: "a", Timestamp: channel.Now()},
		{UserId: selfId, RecipientId: 1, EventId: 10, Content: "b", Timestamp: channel.Now()},
	}
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	mockApi.On("GetMessages", mock.Anything, 1, 10).Return(history, nil)
	mockApi.On("MarkRead", mock.Anything, 1, 10).Return(nil)

	startEngine(t, e)

	contents := func() []string {
		var out []string
		for _, msg := range e.Snapshot().Timeline {
			out = append(out, msg.Content)
		}
		return out
	}

	require.NoError(t, e.Open(1, 10))
	require.Eventually(t, func() bool { return len(e.Snapshot().Timeline) == 2 }, waitFor, tick)
	first := contents()

	require.NoError(t, e.Close())
	assert.Nil(t, e.Snapshot().Open)
	assert.Empty(t, e.Snapshot().Timeline)

	require.NoError(t, e.Open(1, 10))
	require.Eventually(t, func() bool { return len(e.Snapshot().Timeline) == 2 }, waitFor, tick)

	assert.Equal(t, first, contents(), "reopening reproduces the identical message set")
}

func TestEngine_disconnectDegradesPresence(t *testing.T) {
	e, mockApi, mockCh, recorder := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	startEngine(t, e)

	mockCh.EventsChan <- channel.ServerEvent{Snapshot: &channel.Snapshot{UserIds: []int{1}}}
	require.Eventually(t, func() bool { return len(e.Snapshot().Online) == 1 }, waitFor, tick)

	close(mockCh.EventsChan)

	assert.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.PresenceStale && snap.LastError == ErrChannelDown
	}, waitFor, tick)
	assert.Empty(t, e.Snapshot().Online, "presence is unknown after disconnect")
	assert.Equal(t, 1, recorder.count(StatChannelDisconnects))

	t.Run("attach recovers with a fresh channel", func(t *testing.T) {
		fresh := channel.NewMockChannel()
		fresh.On("Send", mock.Anything).Return(nil)
		fresh.On("Close").Return(nil)

		require.NoError(t, e.Attach(fresh))

		fresh.EventsChan <- channel.ServerEvent{Snapshot: &channel.Snapshot{UserIds: []int{1}}}
		assert.Eventually(t, func() bool {
			snap := e.Snapshot()
			return !snap.PresenceStale && len(snap.Online) == 1
		}, waitFor, tick)
	})
}

func TestEngine_subscribe(t *testing.T) {
	e, mockApi, mockCh, _ := newTestEngine(t)
	mockApi.On("ListConversations", mock.Anything).Return(directorySnapshot(), nil)
	startEngine(t, e)

	totals := make(chan int, 16)
	cancel := e.Subscribe(func(snap Snapshot) {
		totals <- snap.TotalUnread
	})
	defer cancel()

	mockCh.EventsChan <- channel.ServerEvent{
		BaseEvent: channel.BaseEvent{Timestamp: channel.Now()},
		Message: &types.Message{
			UserId:      5,
			RecipientId: selfId,
			EventId:     50,
			Content:     "any resale?",
			Timestamp:   channel.Now(),
		},
	}

	require.Eventually(t, func() bool {
		select {
		case total := <-totals:
			return total == 5
		default:
			return false
		}
	}, waitFor, tick, "badge consumers recompute the summed unread count")

	t.Run("cancel is idempotent", func(t *testing.T) {
		cancel()
		cancel()
	})
}

func TestEngine_stoppedEngineRejectsCommands(t *testing.T) {
	mockApi := &api.MockChatAPI{}
	mockApi.On("ListConversations", mock.Anything).Return([]api.ConversationSummary(nil), nil)
	mockCh := channel.NewMockChannel()
	mockCh.On("Send", mock.Anything).Return(nil)
	mockCh.On("Close").Return(nil)
	mockStats := &stats.MockStatsUpdater{}
	mockStats.On("RegisterMetric", mock.Anything).Return()
	mockStats.On("Incr", mock.Anything).Return()

	e := NewEngine(testutil.TestLogger(t), mockApi, mockCh, mockStats,
		types.Identity{Id: selfId, Kind: types.KindUser, Username: "self"})
	go e.Run()
	e.Stop()

	assert.ErrorIs(t, e.Refresh(), ErrStopped)
	assert.ErrorIs(t, e.Open(1, 10), ErrStopped)
	assert.ErrorIs(t, e.Send("hi"), ErrStopped)
	mockStats.AssertCalled(t, "RegisterMetric", StatMessagesSent)
	mockCh.AssertCalled(t, "Close")
}
