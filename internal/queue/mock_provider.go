package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/review-importer/internal/importer"
)

// MockQueue is a testify mock of Queue.
type MockQueue struct {
	mock.Mock
}

// Enqueue is the mock implementation of the Enqueue method.
func (m *MockQueue) Enqueue(ctx context.Context, item importer.QueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// Dequeue is the mock implementation of the Dequeue method.
func (m *MockQueue) Dequeue(ctx context.Context) (importer.QueueItem, error) {
	args := m.Called(ctx)
	return args.Get(0).(importer.QueueItem), args.Error(1)
}

// Ack is the mock implementation of the Ack method.
func (m *MockQueue) Ack(ctx context.Context, item importer.QueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// Close is the mock implementation of the Close method.
func (m *MockQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}
