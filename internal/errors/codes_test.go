package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrCodeOK},
		{"bulk error", InvalidConfig("batch.buffer_size", "must be positive"), ErrCodeInvalidConfig},
		{"wrapped bulk error", fmt.Errorf("load: %w", ThresholdExceeded("10", 11, 500)), ErrCodeThresholdExceeded},
		{"context cancelled", context.Canceled, ErrCodeCancelled},
		{"plain error", fmt.Errorf("boom"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetCode(tt.err))
		})
	}
}

func TestThresholdExceededIsDistinct(t *testing.T) {
	single := RequestFailed("INSERT", fmt.Errorf("timeout"))
	abort := ThresholdExceeded("1%", 11, 500)

	assert.False(t, IsThresholdExceeded(single))
	assert.True(t, IsThresholdExceeded(abort))
	assert.Equal(t, int64(11), abort.Details["errors"])
	assert.Contains(t, abort.Error(), "11 errors out of 500 items")
}

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *BulkError
		want codes.Code
	}{
		{"config", InvalidConfig("executor.max_in_flight", "oops"), codes.InvalidArgument},
		{"threshold", ThresholdExceeded("unlimited", 1, 1), codes.Aborted},
		{"request with status", RequestFailed("SELECT", status.Error(codes.DeadlineExceeded, "read timeout")), codes.DeadlineExceeded},
		{"request without status", RequestFailed("SELECT", fmt.Errorf("io")), codes.Unavailable},
		{"cancelled", Cancelled(context.Canceled), codes.Canceled},
		{"protocol", ProtocolViolation("consumer panicked", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}
