package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"service unavailable", statusErr(503), true},
		{"too many requests wrapped", eris.Wrap(statusErr(429), "onemap: search"), true},
		{"forbidden", statusErr(403), false},
		{"not implemented", statusErr(501), false},
		{"net timeout", fmt.Errorf("post: %w", timeoutErr{}), true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"truncated body", eris.Wrap(io.ErrUnexpectedEOF, "onemap: read search response"), true},
		{"cancelled", eris.Wrap(context.Canceled, "onemap: search request"), false},
		{"plain", errors.New("invalid form field"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 302, 400, 401, 403, 404, 501} {
		assert.False(t, RetryableStatus(code), "status %d", code)
	}
}
