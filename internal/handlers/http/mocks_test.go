package http

import (
	"context"
	"io"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type mockNode struct {
	mock.Mock
}

func (m *mockNode) Identity() domain.SessionIdentity {
	return m.Called().Get(0).(domain.SessionIdentity)
}

func (m *mockNode) Connect(ctx context.Context, remoteID domain.PeerID) error {
	return m.Called(ctx, remoteID).Error(0)
}

func (m *mockNode) Devices(ctx context.Context) ([]domain.Device, error) {
	args := m.Called(ctx)
	devices, _ := args.Get(0).([]domain.Device)
	return devices, args.Error(1)
}

func (m *mockNode) Enqueue(ctx context.Context, files []domain.LocalFile) ([]domain.TransferFile, error) {
	args := m.Called(ctx, files)
	added, _ := args.Get(0).([]domain.TransferFile)
	return added, args.Error(1)
}

func (m *mockNode) Send(ctx context.Context, deviceID domain.PeerID) ([]domain.TransferFile, error) {
	args := m.Called(ctx, deviceID)
	sending, _ := args.Get(0).([]domain.TransferFile)
	return sending, args.Error(1)
}

func (m *mockNode) Files(ctx context.Context) ([]domain.TransferFile, error) {
	args := m.Called(ctx)
	files, _ := args.Get(0).([]domain.TransferFile)
	return files, args.Error(1)
}

func (m *mockNode) File(ctx context.Context, id domain.FileID) (domain.TransferFile, error) {
	args := m.Called(ctx, id)
	file, _ := args.Get(0).(domain.TransferFile)
	return file, args.Error(1)
}

func (m *mockNode) OpenFile(ctx context.Context, id domain.FileID) (io.ReadCloser, error) {
	args := m.Called(ctx, id)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *mockNode) Discard(ctx context.Context, id domain.FileID) error {
	return m.Called(ctx, id).Error(0)
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	return router
}
