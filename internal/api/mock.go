package api

import (
	"context"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) ListConversations(ctx context.Context) ([]types.ConversationSummary, error) {
	args := m.Called(ctx)
	if conversations, ok := args.Get(0).([]types.ConversationSummary); ok {
		return conversations, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) CreateConversation(ctx context.Context, businessId string) (types.ConversationSummary, error) {
	args := m.Called(ctx, businessId)
	return args.Get(0).(types.ConversationSummary), args.Error(1)
}

func (m *MockClient) GetMessages(ctx context.Context, conversationId string, page, limit int) (types.MessagePage, error) {
	args := m.Called(ctx, conversationId, page, limit)
	return args.Get(0).(types.MessagePage), args.Error(1)
}

func (m *MockClient) MarkRead(ctx context.Context, conversationId string) error {
	args := m.Called(ctx, conversationId)
	return args.Error(0)
}
