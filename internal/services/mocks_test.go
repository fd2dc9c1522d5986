package services

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vidspark/backend/internal/provider"
	"github.com/vidspark/backend/internal/storage"
)

type MockGateway struct {
	mock.Mock
	name string
}

func NewMockGateway(name string) *MockGateway {
	return &MockGateway{name: name}
}

func (m *MockGateway) Name() string {
	return m.name
}

func (m *MockGateway) CreateTask(ctx context.Context, req *provider.CreateTaskRequest) (*provider.CreateTaskResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.CreateTaskResponse), args.Error(1)
}

func (m *MockGateway) GetTaskStatus(ctx context.Context, taskID string) (*provider.Result, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Result), args.Error(1)
}

func (m *MockGateway) ParseCallback(payload []byte) (*provider.Result, error) {
	args := m.Called(payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Result), args.Error(1)
}

type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) DownloadAndUpload(ctx context.Context, sourceURL, key, contentType string) (*storage.StoredObject, error) {
	args := m.Called(ctx, sourceURL, key, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.StoredObject), args.Error(1)
}
