package api

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/ticketrow/chatkit/internal/types"
)

type MockChatAPI struct {
	mock.Mock
}

func (m *MockChatAPI) Session(ctx context.Context) (types.Identity, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Identity), args.Error(1)
}

func (m *MockChatAPI) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	args := m.Called(ctx)
	if summaries, ok := args.Get(0).([]ConversationSummary); ok {
		return summaries, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChatAPI) GetMessages(ctx context.Context, userId, eventId int) ([]types.Message, error) {
	args := m.Called(ctx, userId, eventId)
	if messages, ok := args.Get(0).([]types.Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChatAPI) SendMessage(ctx context.Context, params SendMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockChatAPI) MarkRead(ctx context.Context, userId, eventId int) error {
	args := m.Called(ctx, userId, eventId)
	return args.Error(0)
}
