package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
		permanent bool
	}{
		{"call", CallError("a", errors.New("reset")), KindCall, true, false},
		{"rate limit", RateLimitError("a", time.Second, "slow down"), KindRateLimit, true, false},
		{"token limit", TokenLimitError("a", "gpt-4", 9000, 8192), KindTokenLimit, false, true},
		{"invalid", NewError(KindInvalidRequest, "a", "bad json", nil), KindInvalidRequest, false, true},
		{"init", InitError("a", errors.New("401")), KindInit, false, false},
		{"wrapped", fmt.Errorf("pool: %w", RateLimitError("a", 0, "")), KindRateLimit, true, false},
		{"plain", errors.New("boom"), KindCall, true, false},
		{"canceled", context.Canceled, KindCall, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestAllFailedError(t *testing.T) {
	err := &AllFailedError{
		Target: "pool",
		Attempts: []Attempt{
			{Target: "a", Err: CallError("a", errors.New("timeout"))},
			{Target: "b", Err: TokenLimitError("b", "m", 10, 5)},
		},
	}

	assert.Equal(t, []string{"a", "b"}, err.Targets())
	assert.Contains(t, err.Error(), "all 2 attempts failed")
	assert.Contains(t, err.Error(), "a: call_error [a]: timeout")
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.False(t, IsRetryable(err))
	assert.False(t, IsPermanent(err))

	var e *Error
	assert.True(t, errors.As(err, &e), "attempt errors are reachable through Unwrap")
}

func TestPromptAsMessages(t *testing.T) {
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, TextPrompt("hi").AsMessages())
	assert.Nil(t, TextPrompt("").AsMessages())
	assert.True(t, MessagePrompt(Message{Role: RoleUser}).Empty())

	msgs := []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "hi"}}
	p := Prompt{Text: "ignored", Messages: msgs}
	assert.Equal(t, msgs, p.AsMessages())
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 1.0, SuccessRate(0, 0))
	assert.InDelta(t, 0.75, SuccessRate(4, 1), 1e-9)
}

func TestTypedTimeoutStaysRetryable(t *testing.T) {
	err := CallError("a", fmt.Errorf("post: %w", context.DeadlineExceeded))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(fmt.Errorf("post: %w", context.DeadlineExceeded)))
}
