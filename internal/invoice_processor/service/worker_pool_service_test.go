package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invoice-intake-pipeline/internal/domain/submission"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProcessingService mocks the ProcessingService interface
type MockProcessingService struct {
	mock.Mock
}

func (m *MockProcessingService) ProcessSubmission(ctx context.Context, msg *submission.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func TestWorkerPoolProcessingService_ProcessSubmission(t *testing.T) {
	msg := newMessage()

	tests := []struct {
		name          string
		returnErr     error
		expectedError error
	}{
		{
			name: "successful processing",
		},
		{
			name:          "processing error",
			returnErr:     errors.New("processing error"),
			expectedError: errors.New("processing error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockBaseService := &MockProcessingService{}
			workerPoolService, err := NewWorkerPoolProcessingService(
				mockBaseService,
				WorkerPoolConfig{Size: 2},
				slog.Default(),
			)
			require.NoError(t, err)
			defer workerPoolService.Shutdown()

			mockBaseService.On("ProcessSubmission", mock.Anything, mock.MatchedBy(func(m *submission.Message) bool {
				return m.CorrelationID == msg.CorrelationID && m != msg
			})).Return(tt.returnErr).Once()

			err = workerPoolService.ProcessSubmission(context.Background(), msg)

			if tt.expectedError != nil {
				assert.EqualError(t, err, tt.expectedError.Error())
			} else {
				assert.NoError(t, err)
			}
			mockBaseService.AssertExpectations(t)
		})
	}
}

func TestWorkerPoolProcessingService_Concurrency(t *testing.T) {
	mockBaseService := &MockProcessingService{}
	workerPoolService, err := NewWorkerPoolProcessingService(
		mockBaseService,
		WorkerPoolConfig{Size: 3},
		slog.Default(),
	)
	require.NoError(t, err)
	defer workerPoolService.Shutdown()

	var inFlight, peak, processed atomic.Int32
	mockBaseService.On("ProcessSubmission", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		processed.Add(1)
	}).Return(nil)

	numRequests := 10
	var wg sync.WaitGroup
	wg.Add(numRequests)
	for i := 0; i < numRequests; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, workerPoolService.ProcessSubmission(context.Background(), newMessage()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(numRequests), processed.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 3, workerPoolService.Capacity())
}

func TestWorkerPoolProcessingService_Shutdown(t *testing.T) {
	mockBaseService := &MockProcessingService{}
	workerPoolService, err := NewWorkerPoolProcessingService(mockBaseService, WorkerPoolConfig{Size: 1}, slog.Default())
	require.NoError(t, err)

	workerPoolService.Shutdown()

	err = workerPoolService.ProcessSubmission(context.Background(), newMessage())
	assert.ErrorIs(t, err, ants.ErrPoolClosed)
	mockBaseService.AssertNotCalled(t, "ProcessSubmission", mock.Anything, mock.Anything)
}
