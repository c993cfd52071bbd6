package channel

import (
	"github.com/stretchr/testify/mock"
)

type MockChannel struct {
	mock.Mock
	EventsChan chan ServerEvent
}

func NewMockChannel() *MockChannel {
	return &MockChannel{
		EventsChan: make(chan ServerEvent, 256),
	}
}

func (m *MockChannel) Events() <-chan ServerEvent {
	return m.EventsChan
}

func (m *MockChannel) Send(event ClientEvent) error {
	args := m.Called(event)
	return args.Error(0)
}

func (m *MockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}
